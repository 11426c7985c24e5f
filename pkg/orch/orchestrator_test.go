package orch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/budget"
	"conductor/pkg/config"
	"conductor/pkg/conflict"
	"conductor/pkg/events"
	"conductor/pkg/github"
	"conductor/pkg/persistence"
	"conductor/pkg/processor"
	"conductor/pkg/resilience"
	"conductor/pkg/workspace"
)

// fakeWorkspaces hands out worktrees under a temp dir without touching git.
type fakeWorkspaces struct {
	root string

	mu       sync.Mutex
	branches []string
	removed  int
	pushes   int
	pushErr  error
}

func (f *fakeWorkspaces) EnsureRepository(context.Context) error { return nil }

func (f *fakeWorkspaces) CreateBranch(_ context.Context, issueNumber int, title string) (string, error) {
	branch := workspace.BranchName("agent", issueNumber, title)
	f.mu.Lock()
	f.branches = append(f.branches, branch)
	f.mu.Unlock()
	return branch, nil
}

func (f *fakeWorkspaces) CreateWorktree(_ context.Context, issueURL, branch string) (*workspace.Workspace, error) {
	return &workspace.Workspace{
		IssueURL: issueURL,
		Branch:   branch,
		Path:     filepath.Join(f.root, workspace.WorktreeDirName(branch)),
	}, nil
}

func (f *fakeWorkspaces) RemoveWorktree(context.Context, *workspace.Workspace) error {
	f.mu.Lock()
	f.removed++
	f.mu.Unlock()
	return nil
}

func (f *fakeWorkspaces) Push(context.Context, *workspace.Workspace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	return f.pushErr
}

func (f *fakeWorkspaces) CleanupStale(context.Context) ([]string, error) { return nil, nil }

// fakeConflicts admits everything unless block lists the issue.
type fakeConflicts struct {
	policy string
	block  map[string]bool

	mu     sync.Mutex
	checks int
}

func (f *fakeConflicts) Watch(*workspace.Workspace) error              { return nil }
func (f *fakeConflicts) Unwatch(*workspace.Workspace)                  {}
func (f *fakeConflicts) SetConflictCallback(func([]conflict.Conflict)) {}
func (f *fakeConflicts) Run(context.Context)                           {}

func (f *fakeConflicts) Policy() string {
	if f.policy == "" {
		return config.ConflictSkip
	}
	return f.policy
}

func (f *fakeConflicts) Check(_ context.Context, issueURL string) (bool, []conflict.Conflict, error) {
	f.mu.Lock()
	f.checks++
	f.mu.Unlock()
	if f.block[issueURL] {
		return false, []conflict.Conflict{{IssueA: issueURL, IssueB: "other", Paths: []string{"shared.go"}}}, nil
	}
	return true, nil, nil
}

// fakeProcessor resolves items with a configurable outcome per URL and
// tracks peak concurrency.
type fakeProcessor struct {
	delay   time.Duration
	costUSD float64
	failFor map[string]string // issueURL -> error message in the result
	errFor  map[string]error  // issueURL -> hard dispatch error

	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (f *fakeProcessor) Name() string { return "fake/model-1" }

func (f *fakeProcessor) Process(ctx context.Context, req processor.Request) (*processor.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}
	f.calls.Add(1)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(f.delay):
	}

	if err := f.errFor[req.IssueURL]; err != nil {
		return nil, err
	}
	if msg, ok := f.failFor[req.IssueURL]; ok {
		return &processor.Result{Success: false, Error: msg, CostUSD: f.costUSD}, nil
	}
	return &processor.Result{
		Success:   true,
		Summary:   "done",
		CostUSD:   f.costUSD,
		TurnCount: 1,
	}, nil
}

// fakePRs counts created pull requests.
type fakePRs struct {
	mu      sync.Mutex
	created []github.PRCreateOptions
}

func (f *fakePRs) CreatePR(_ context.Context, opts github.PRCreateOptions) (*github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, opts)
	return &github.PullRequest{
		Number: len(f.created),
		URL:    fmt.Sprintf("https://github.com/octo/widgets/pull/%d", len(f.created)),
		State:  "OPEN",
	}, nil
}

type testHarness struct {
	orch       *Orchestrator
	store      *persistence.Store
	workspaces *fakeWorkspaces
	conflicts  *fakeConflicts
	proc       *fakeProcessor
	prs        *fakePRs
}

func newHarness(t *testing.T, proc *fakeProcessor) *testHarness {
	t.Helper()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.Git.RepoURL = "https://github.com/octo/widgets"
	cfg.Budget = config.Budget{} // Unlimited unless a test sets ceilings.

	h := &testHarness{
		store:      store,
		workspaces: &fakeWorkspaces{root: t.TempDir()},
		conflicts:  &fakeConflicts{},
		proc:       proc,
		prs:        &fakePRs{},
	}
	h.orch = New(Deps{
		Store:      store,
		Config:     cfg,
		Executor:   resilience.NewExecutor(resilience.ExecutorConfig{Retry: resilience.RetryConfig{MaxAttempts: 1}}),
		Workspaces: h.workspaces,
		Conflicts:  h.conflicts,
		Budget:     budget.NewGovernor(store, cfg.Budget),
		Processor:  proc,
		PRs:        h.prs,
		Bus:        events.NewBus(),
	})
	return h
}

func issueURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://github.com/octo/widgets/issues/%d", i+1)
	}
	return urls
}

func TestRunAllItemsComplete(t *testing.T) {
	proc := &fakeProcessor{delay: 20 * time.Millisecond, costUSD: 0.01}
	h := newHarness(t, proc)

	summary, err := h.orch.Run(context.Background(), issueURLs(5), RunOptions{MaxConcurrent: 2})
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, StopCompleted, summary.StopReason)
	assert.Equal(t, 5, summary.Counts.Completed)
	assert.Equal(t, 5, summary.Counts.Resolved())
	assert.InDelta(t, 0.05, summary.TotalCostUSD, 1e-9)
	assert.Len(t, summary.Items, 5)
	for _, item := range summary.Items {
		assert.Equal(t, persistence.ItemCompleted, item.Status)
		assert.NotEmpty(t, item.PRURL)
	}

	// The pool never exceeded its bound.
	assert.LessOrEqual(t, proc.peak.Load(), int32(2))
	assert.Equal(t, int32(5), proc.calls.Load())
	assert.Equal(t, 5, h.workspaces.removed, "every worktree is cleaned up")
	assert.Equal(t, 5, h.workspaces.pushes)
}

func TestRunEmptyQueue(t *testing.T) {
	h := newHarness(t, &fakeProcessor{})

	summary, err := h.orch.Run(context.Background(), nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StopEmptyQueue, summary.StopReason)
	assert.True(t, summary.Success)
	assert.Equal(t, int32(0), h.proc.calls.Load())
}

func TestRunMixedOutcomes(t *testing.T) {
	urls := issueURLs(3)
	proc := &fakeProcessor{
		costUSD: 0.01,
		failFor: map[string]string{urls[1]: "could not reproduce the bug"},
	}
	h := newHarness(t, proc)

	summary, err := h.orch.Run(context.Background(), urls, RunOptions{MaxConcurrent: 3})
	require.NoError(t, err)

	assert.Equal(t, StopCompleted, summary.StopReason)
	assert.False(t, summary.Success, "a failed item fails the run summary")
	assert.Equal(t, 2, summary.Counts.Completed)
	assert.Equal(t, 1, summary.Counts.Failed)

	// The failed issue is terminally abandoned; the others advanced.
	failed, err := h.store.GetIssueByURL(urls[1])
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueAbandoned, failed.State)

	done, err := h.store.GetIssueByURL(urls[0])
	require.NoError(t, err)
	assert.Equal(t, persistence.IssuePRCreated, done.State)
	assert.NotNil(t, done.PRURL)
}

func TestRunFailFastLeavesPendingItems(t *testing.T) {
	urls := issueURLs(4)
	proc := &fakeProcessor{
		delay:  10 * time.Millisecond,
		errFor: map[string]error{urls[0]: errors.New("backend exploded")},
	}
	h := newHarness(t, proc)

	summary, err := h.orch.Run(context.Background(), urls, RunOptions{
		MaxConcurrent: 1,
		FailFast:      true,
	})
	require.NoError(t, err)

	assert.Equal(t, StopError, summary.StopReason)
	assert.False(t, summary.Success)
	assert.Equal(t, 1, summary.Counts.Failed)
	assert.Equal(t, 3, summary.Counts.Pending, "fail-fast leaves the rest pending for resume")
}

func TestRunConflictBlockCancelsItem(t *testing.T) {
	urls := issueURLs(2)
	proc := &fakeProcessor{costUSD: 0.01}
	h := newHarness(t, proc)
	h.conflicts.policy = config.ConflictBlock
	h.conflicts.block = map[string]bool{urls[1]: true}

	summary, err := h.orch.Run(context.Background(), urls, RunOptions{MaxConcurrent: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Counts.Completed)
	assert.Equal(t, 1, summary.Counts.Cancelled)

	// The blocked issue never left queued, so a later run can pick it up.
	blocked, err := h.store.GetIssueByURL(urls[1])
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueQueued, blocked.State)
}

// trackingWorkspaces extends fakeWorkspaces with the active-worktree and
// modified-file views the conflict detector scans, so tests can run a
// real Detector against orchestrated work.
type trackingWorkspaces struct {
	fakeWorkspaces
	files func(issueURL string) []string

	activeMu sync.Mutex
	active   map[string]*workspace.Workspace
}

func (f *trackingWorkspaces) CreateWorktree(ctx context.Context, issueURL, branch string) (*workspace.Workspace, error) {
	ws, err := f.fakeWorkspaces.CreateWorktree(ctx, issueURL, branch)
	if err != nil {
		return nil, err
	}
	f.activeMu.Lock()
	f.active[issueURL] = ws
	f.activeMu.Unlock()
	return ws, nil
}

func (f *trackingWorkspaces) RemoveWorktree(ctx context.Context, ws *workspace.Workspace) error {
	f.activeMu.Lock()
	delete(f.active, ws.IssueURL)
	f.activeMu.Unlock()
	return f.fakeWorkspaces.RemoveWorktree(ctx, ws)
}

func (f *trackingWorkspaces) Active() map[string]*workspace.Workspace {
	f.activeMu.Lock()
	defer f.activeMu.Unlock()
	out := make(map[string]*workspace.Workspace, len(f.active))
	for url, ws := range f.active {
		out[url] = ws
	}
	return out
}

func (f *trackingWorkspaces) ModifiedFiles(_ context.Context, ws *workspace.Workspace) ([]string, error) {
	return f.files(ws.IssueURL), nil
}

// Two items that are clean at admission and touch the same path while in
// flight must raise a conflict event before either finishes, and under
// the block policy the detector's second item yields.
func TestRunMidFlightConflictRaisesEventAndCancels(t *testing.T) {
	urls := issueURLs(2)
	proc := &fakeProcessor{delay: 500 * time.Millisecond, costUSD: 0.01}

	store, err := persistence.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.Git.RepoURL = "https://github.com/octo/widgets"
	cfg.Budget = config.Budget{}

	// The overlap appears only once both items are being worked, so the
	// admission checks pass and detection has to happen mid-flight.
	var overlapping atomic.Bool
	ws := &trackingWorkspaces{
		fakeWorkspaces: fakeWorkspaces{root: t.TempDir()},
		active:         make(map[string]*workspace.Workspace),
		files: func(string) []string {
			if !overlapping.Load() {
				return nil
			}
			return []string{"shared.go"}
		},
	}
	go func() {
		for proc.inFlight.Load() < 2 {
			time.Sleep(5 * time.Millisecond)
		}
		overlapping.Store(true)
	}()

	det, err := conflict.NewDetector(config.Conflict{
		Policy:       config.ConflictBlock,
		PollInterval: config.Duration(20 * time.Millisecond),
	}, ws)
	require.NoError(t, err)
	t.Cleanup(func() { _ = det.Close() })

	o := New(Deps{
		Store:      store,
		Config:     cfg,
		Executor:   resilience.NewExecutor(resilience.ExecutorConfig{Retry: resilience.RetryConfig{MaxAttempts: 1}}),
		Workspaces: ws,
		Conflicts:  det,
		Budget:     budget.NewGovernor(store, cfg.Budget),
		Processor:  proc,
		PRs:        &fakePRs{},
		Bus:        events.NewBus(),
	})

	var mu sync.Mutex
	var seen []events.Event
	summary, err := o.Run(context.Background(), urls, RunOptions{
		MaxConcurrent: 2,
		OnProgress: func(e events.Event) {
			mu.Lock()
			seen = append(seen, e)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Counts.Completed)
	assert.Equal(t, 1, summary.Counts.Cancelled)

	// The pair is ordered by URL, so issues/2 is the side that yields.
	item, err := store.GetWorkItem(summary.RunID, urls[1])
	require.NoError(t, err)
	assert.Equal(t, persistence.ItemCancelled, item.Status)

	mu.Lock()
	defer mu.Unlock()
	conflictAt := -1
	for i, e := range seen {
		if e.Type == events.ConflictFound {
			conflictAt = i
			assert.Contains(t, e.Reason, "shared.go")
			break
		}
	}
	require.GreaterOrEqual(t, conflictAt, 0, "overlap must surface as an event")
	for i, e := range seen {
		if e.Type == events.IssueCompleted || e.Type == events.IssueSkipped {
			assert.Greater(t, i, conflictAt, "the conflict event fires before either item finishes")
		}
	}
}

func TestRunBudgetDenialStopsRun(t *testing.T) {
	urls := issueURLs(3)
	proc := &fakeProcessor{costUSD: 1.50}
	h := newHarness(t, proc)

	// The run-level override bites after the first item's spend lands.
	summary, err := h.orch.Run(context.Background(), urls, RunOptions{
		MaxConcurrent: 1,
		BudgetUSD:     1.00,
	})
	require.NoError(t, err)

	assert.Equal(t, StopMaxBudget, summary.StopReason)
	assert.False(t, summary.Success)
	assert.Equal(t, 1, summary.Counts.Completed)
	assert.Equal(t, 2, summary.Counts.Cancelled, "denied and undispatched items are cancelled")
	assert.Equal(t, int32(1), proc.calls.Load())
}

func TestRunDryRunSkipsPushAndLifecycle(t *testing.T) {
	urls := issueURLs(2)
	proc := &fakeProcessor{costUSD: 0.01}
	h := newHarness(t, proc)

	summary, err := h.orch.Run(context.Background(), urls, RunOptions{
		MaxConcurrent: 2,
		DryRun:        true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Counts.Completed)
	assert.Equal(t, 0, h.workspaces.pushes)
	assert.Empty(t, h.prs.created)

	// Issues stay queued: dry runs never advance the lifecycle.
	issue, err := h.store.GetIssueByURL(urls[0])
	require.NoError(t, err)
	assert.Equal(t, persistence.IssueQueued, issue.State)
}

func TestRunMaxIssuesStopsEarly(t *testing.T) {
	proc := &fakeProcessor{costUSD: 0.01}
	h := newHarness(t, proc)

	summary, err := h.orch.Run(context.Background(), issueURLs(5), RunOptions{
		MaxConcurrent: 1,
		MaxIssues:     2,
	})
	require.NoError(t, err)

	assert.Equal(t, StopMaxIterations, summary.StopReason)
	assert.Equal(t, 2, summary.Counts.Completed)
	assert.Equal(t, 3, summary.Counts.Cancelled)
}

func TestCancelStopsInFlightRun(t *testing.T) {
	proc := &fakeProcessor{delay: 5 * time.Second}
	h := newHarness(t, proc)

	started := make(chan events.Event, 16)
	done := make(chan *Summary, 1)
	go func() {
		summary, err := h.orch.Run(context.Background(), issueURLs(3), RunOptions{
			MaxConcurrent: 1,
			OnProgress: func(e events.Event) {
				if e.Type == events.IssueStarted {
					select {
					case started <- e:
					default:
					}
				}
			},
		})
		require.NoError(t, err)
		done <- summary
	}()

	var runID string
	select {
	case e := <-started:
		runID = e.RunID
	case <-time.After(10 * time.Second):
		t.Fatal("run never started an item")
	}

	require.NoError(t, h.orch.Cancel(runID))

	select {
	case summary := <-done:
		assert.Equal(t, StopManual, summary.StopReason)
		assert.False(t, summary.Success)
		assert.Zero(t, summary.Counts.Pending)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	run, err := h.store.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, persistence.RunCancelled, run.Status)

	// Cancelling again is a no-op.
	assert.NoError(t, h.orch.Cancel(runID))
}

func TestPauseAndResumeRun(t *testing.T) {
	proc := &fakeProcessor{delay: 50 * time.Millisecond, costUSD: 0.01}
	h := newHarness(t, proc)

	started := make(chan string, 1)
	done := make(chan *Summary, 1)
	go func() {
		summary, err := h.orch.Run(context.Background(), issueURLs(4), RunOptions{
			MaxConcurrent: 1,
			OnProgress: func(e events.Event) {
				if e.Type == events.IssueStarted {
					select {
					case started <- e.RunID:
					default:
					}
				}
			},
		})
		require.NoError(t, err)
		done <- summary
	}()

	runID := <-started
	require.NoError(t, h.orch.Pause(runID))

	run, err := h.store.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, persistence.RunPaused, run.Status)

	// Pausing a paused run is rejected.
	assert.Error(t, h.orch.Pause(runID))

	require.NoError(t, h.orch.Resume(runID))

	select {
	case summary := <-done:
		assert.Equal(t, StopCompleted, summary.StopReason)
		assert.Equal(t, 4, summary.Counts.Completed)
	case <-time.After(30 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestResumeRunFinishedIsRejected(t *testing.T) {
	proc := &fakeProcessor{costUSD: 0.01}
	h := newHarness(t, proc)

	summary, err := h.orch.Run(context.Background(), issueURLs(1), RunOptions{MaxConcurrent: 1})
	require.NoError(t, err)

	_, err = h.orch.ResumeRun(context.Background(), summary.RunID, RunOptions{})
	assert.Error(t, err)
}

func TestResumeRunPicksUpPendingItems(t *testing.T) {
	urls := issueURLs(3)
	proc := &fakeProcessor{errFor: map[string]error{urls[0]: errors.New("flaky backend")}}
	h := newHarness(t, proc)

	summary, err := h.orch.Run(context.Background(), urls, RunOptions{
		MaxConcurrent: 1,
		FailFast:      true,
	})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Counts.Pending)

	// The backend recovered; resume the leftovers.
	proc.errFor = nil
	resumed, err := h.orch.ResumeRun(context.Background(), summary.RunID, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, summary.RunID, resumed.RunID)
	assert.Equal(t, StopCompleted, resumed.StopReason)
	assert.Equal(t, 2, resumed.Counts.Completed)
	assert.Equal(t, 1, resumed.Counts.Failed)
	assert.Zero(t, resumed.Counts.Pending)
}

func TestCancelItemPending(t *testing.T) {
	h := newHarness(t, &fakeProcessor{})

	urls := issueURLs(2)
	for _, url := range urls {
		require.NoError(t, h.orch.ensureIssueQueued(url))
	}
	run, err := h.store.CreateParallelRun(urls, 1, 0)
	require.NoError(t, err)

	require.NoError(t, h.orch.CancelItem(run.ID, urls[1]))

	item, err := h.store.GetWorkItem(run.ID, urls[1])
	require.NoError(t, err)
	assert.Equal(t, persistence.ItemCancelled, item.Status)

	// Terminal items are a no-op.
	assert.NoError(t, h.orch.CancelItem(run.ID, urls[1]))
}

func TestRunEventsCarryCounts(t *testing.T) {
	proc := &fakeProcessor{costUSD: 0.01}
	h := newHarness(t, proc)

	var mu sync.Mutex
	var seen []events.Event
	_, err := h.orch.Run(context.Background(), issueURLs(2), RunOptions{
		MaxConcurrent: 1,
		OnProgress: func(e events.Event) {
			mu.Lock()
			seen = append(seen, e)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, events.RunStarted, seen[0].Type)
	last := seen[len(seen)-1]
	assert.Equal(t, events.RunCompleted, last.Type)
	require.NotNil(t, last.Counts)
	assert.Equal(t, 2, last.Counts.Completed)
	assert.Equal(t, 2, last.Counts.Total)
}
