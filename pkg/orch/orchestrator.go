// Package orch is the top-level coordinator: it pulls pending work items,
// gates them on budget and conflicts, acquires workspaces, dispatches the
// work processor, and persists every outcome.
package orch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conductor/pkg/budget"
	"conductor/pkg/config"
	"conductor/pkg/conflict"
	"conductor/pkg/events"
	"conductor/pkg/github"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/processor"
	"conductor/pkg/resilience"
	"conductor/pkg/workspace"
)

// pausePollInterval is how often a worker re-checks a paused run.
const pausePollInterval = 500 * time.Millisecond

// WorkspaceProvider is the slice of the workspace manager the orchestrator
// needs.
type WorkspaceProvider interface {
	EnsureRepository(ctx context.Context) error
	CreateBranch(ctx context.Context, issueNumber int, title string) (string, error)
	CreateWorktree(ctx context.Context, issueURL, branch string) (*workspace.Workspace, error)
	RemoveWorktree(ctx context.Context, ws *workspace.Workspace) error
	Push(ctx context.Context, ws *workspace.Workspace) error
	CleanupStale(ctx context.Context) ([]string, error)
}

// ConflictGate is the slice of the conflict detector the orchestrator
// needs.
type ConflictGate interface {
	Watch(ws *workspace.Workspace) error
	Unwatch(ws *workspace.Workspace)
	Check(ctx context.Context, issueURL string) (bool, []conflict.Conflict, error)
	SetConflictCallback(cb func([]conflict.Conflict))
	Run(ctx context.Context)
	Policy() string
}

// PRCreator opens pull requests. Nil disables PR creation (dry runs,
// missing gh auth).
type PRCreator interface {
	CreatePR(ctx context.Context, opts github.PRCreateOptions) (*github.PullRequest, error)
}

// Orchestrator coordinates parallel runs. One instance serves the whole
// process; run state that must survive restarts lives in the store, not
// here.
type Orchestrator struct {
	store      *persistence.Store
	cfg        config.Config
	exec       *resilience.Executor
	workspaces WorkspaceProvider
	conflicts  ConflictGate
	budget     *budget.Governor
	proc       processor.WorkProcessor
	prs        PRCreator
	bus        *events.Bus
	logger     *logx.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// runState is the process-local handle on an active run: cooperative
// cancellation and the first stop reason. Everything else is persisted.
type runState struct {
	cancel context.CancelFunc

	mu          sync.Mutex
	stopReason  string
	itemCancels map[string]context.CancelFunc
}

func (rs *runState) setStop(reason string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.stopReason == "" {
		rs.stopReason = reason
	}
}

func (rs *runState) stop() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.stopReason
}

func (rs *runState) registerItem(issueURL string, cancel context.CancelFunc) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.itemCancels[issueURL] = cancel
}

func (rs *runState) unregisterItem(issueURL string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.itemCancels, issueURL)
}

func (rs *runState) cancelItem(issueURL string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	cancel, ok := rs.itemCancels[issueURL]
	if ok {
		cancel()
	}
	return ok
}

// Deps bundles the orchestrator's collaborators.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Deps struct {
	Store      *persistence.Store
	Config     config.Config
	Executor   *resilience.Executor
	Workspaces WorkspaceProvider
	Conflicts  ConflictGate
	Budget     *budget.Governor
	Processor  processor.WorkProcessor
	PRs        PRCreator
	Bus        *events.Bus
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		store:      deps.Store,
		cfg:        deps.Config,
		exec:       deps.Executor,
		workspaces: deps.Workspaces,
		conflicts:  deps.Conflicts,
		budget:     deps.Budget,
		proc:       deps.Processor,
		prs:        deps.PRs,
		bus:        deps.Bus,
		logger:     logx.NewLogger("orch"),
		runs:       make(map[string]*runState),
	}
}

// Bus exposes the progress stream for additional subscribers.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Run executes a batch of issue URLs and blocks until every item resolves
// or the run stops. Partial failure is not an error: the summary carries
// the per-item outcomes.
func (o *Orchestrator) Run(ctx context.Context, issueURLs []string, opts RunOptions) (*Summary, error) {
	if len(issueURLs) == 0 {
		return &Summary{StopReason: StopEmptyQueue, Success: true}, nil
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = o.cfg.Orchestration.MaxConcurrent
	}

	if err := o.workspaces.EnsureRepository(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare repository: %w", err)
	}
	if _, err := o.workspaces.CleanupStale(ctx); err != nil {
		o.logger.Warn("stale worktree cleanup failed: %v", err)
	}

	for _, url := range issueURLs {
		if err := o.ensureIssueQueued(url); err != nil {
			return nil, err
		}
	}

	run, err := o.store.CreateParallelRun(issueURLs, opts.MaxConcurrent, opts.BudgetUSD)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, run, opts)
}

// ResumeRun continues a previously interrupted run: it claims whatever
// items are still pending with the run's original concurrency bound.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string, opts RunOptions) (*Summary, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if persistence.IsTerminalRunStatus(run.Status) {
		return nil, fmt.Errorf("run %s already finished (%s)", runID, run.Status)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = run.MaxConcurrent
	}
	if opts.BudgetUSD <= 0 {
		opts.BudgetUSD = run.BudgetUSD
	}
	if run.Status == persistence.RunPaused {
		if err := o.store.UpdateRunStatus(runID, persistence.RunRunning, nil); err != nil {
			return nil, err
		}
	}

	if err := o.workspaces.EnsureRepository(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare repository: %w", err)
	}
	return o.execute(ctx, run, opts)
}

func (o *Orchestrator) execute(ctx context.Context, run *persistence.ParallelRun, opts RunOptions) (*Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rs := &runState{cancel: cancel, itemCancels: make(map[string]context.CancelFunc)}
	o.mu.Lock()
	o.runs[run.ID] = rs
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.runs, run.ID)
		o.mu.Unlock()
	}()

	if opts.OnProgress != nil {
		runID := run.ID
		unsubscribe := o.bus.Subscribe(func(e events.Event) {
			if e.RunID == runID {
				opts.OnProgress(e)
			}
		})
		defer unsubscribe()
	}

	if !opts.SkipConflictCheck && o.conflicts.Policy() != config.ConflictSkip {
		o.conflicts.SetConflictCallback(o.onMidFlightConflicts(run.ID, rs))
		defer o.conflicts.SetConflictCallback(nil)
		go o.conflicts.Run(runCtx)
	}

	started := time.Now()
	o.emit(run.ID, events.Event{Type: events.RunStarted, Total: run.TotalIssues})

	var wg sync.WaitGroup
	for i := 0; i < opts.MaxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(runCtx, run, rs, opts)
		}()
	}
	wg.Wait()

	return o.finalize(ctx, run, rs, opts, started)
}

// worker claims pending items until the queue drains, the run stops, or
// the context is cancelled.
func (o *Orchestrator) worker(ctx context.Context, run *persistence.ParallelRun, rs *runState, opts RunOptions) {
	for {
		if ctx.Err() != nil || rs.stop() != "" {
			return
		}

		switch o.runStatus(run.ID) {
		case persistence.RunPaused:
			select {
			case <-ctx.Done():
				return
			case <-time.After(pausePollInterval):
			}
			continue
		case persistence.RunRunning:
		default:
			return
		}

		if opts.MaxIssues > 0 {
			counts, err := o.store.GetRunCounts(run.ID)
			if err == nil && counts.Resolved() >= opts.MaxIssues {
				rs.setStop(StopMaxIterations)
				return
			}
		}

		item, err := o.store.NextPendingItem(run.ID)
		if err != nil {
			o.logger.Error("failed to claim work item: %v", err)
			rs.setStop(StopError)
			return
		}
		if item == nil {
			return // Queue drained.
		}

		o.processItem(ctx, run, rs, item, opts)
	}
}

// finalize settles the run row, emits the closing event, and builds the
// summary.
func (o *Orchestrator) finalize(ctx context.Context, run *persistence.ParallelRun, rs *runState, opts RunOptions, started time.Time) (*Summary, error) {
	stopReason := rs.stop()
	if stopReason == "" {
		if ctx.Err() != nil {
			stopReason = StopManual
		} else {
			stopReason = StopCompleted
		}
	}

	counts, err := o.store.GetRunCounts(run.ID)
	if err != nil {
		return nil, err
	}

	// Fail-fast leaves pending items pending and parks the run as paused
	// so ResumeRun can pick the leftovers up; everything else resolves
	// them.
	if counts.Pending > 0 && stopReason != StopError {
		if _, err := o.store.CancelPendingItems(run.ID); err != nil {
			return nil, err
		}
		counts, err = o.store.GetRunCounts(run.ID)
		if err != nil {
			return nil, err
		}
	}

	finalStatus := persistence.RunCompleted
	switch stopReason {
	case StopManual:
		finalStatus = persistence.RunCancelled
	case StopError, StopRateLimited, StopMaxBudget:
		finalStatus = persistence.RunFailed
	}
	if stopReason == StopError && counts.Pending > 0 {
		finalStatus = persistence.RunPaused
	}
	if err := o.store.UpdateRunStatus(run.ID, finalStatus, &stopReason); err != nil {
		// A concurrent Cancel may have settled the run already.
		o.logger.Warn("failed to settle run %s: %v", run.ID, err)
	}

	final, err := o.store.GetRun(run.ID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		RunID:        run.ID,
		Counts:       counts,
		TotalCostUSD: final.TotalCostUSD,
		Duration:     time.Since(started),
		StopReason:   stopReason,
		Success:      stopReason == StopCompleted && counts.Failed == 0,
	}

	items, err := o.store.ListWorkItems(run.ID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		res := ItemResult{
			IssueURL: item.IssueURL,
			Status:   item.Status,
			CostUSD:  item.CostUSD,
		}
		if item.PRURL != nil {
			res.PRURL = *item.PRURL
		}
		if item.Error != nil {
			res.Error = *item.Error
		}
		if item.StartedAt != nil && item.CompletedAt != nil {
			res.Duration = item.CompletedAt.Sub(*item.StartedAt)
		}
		summary.Items = append(summary.Items, res)
	}

	eventType := events.RunCompleted
	if stopReason != StopCompleted {
		eventType = events.RunError
	}
	o.emit(run.ID, events.Event{
		Type:    eventType,
		Reason:  stopReason,
		CostUSD: summary.TotalCostUSD,
	})
	return summary, nil
}

// onMidFlightConflicts handles overlap the detector finds after admission:
// file sets only exist once work has begun, so two items can start clean
// and collide later. Every new pair surfaces as an event; under the block
// policy one side has to yield, and since the detector orders each pair
// by URL, the second item is the one cancelled.
func (o *Orchestrator) onMidFlightConflicts(runID string, rs *runState) func([]conflict.Conflict) {
	var mu sync.Mutex
	seen := make(map[string]struct{})
	block := o.conflicts.Policy() == config.ConflictBlock

	return func(confs []conflict.Conflict) {
		for _, c := range confs {
			key := c.IssueA + "|" + c.IssueB
			mu.Lock()
			_, dup := seen[key]
			seen[key] = struct{}{}
			mu.Unlock()
			if dup {
				continue
			}

			reason := describeConflicts([]conflict.Conflict{c})
			o.logger.Warn("mid-flight conflict: %s", reason)
			o.emit(runID, events.Event{
				Type:     events.ConflictFound,
				IssueURL: c.IssueB,
				Reason:   reason,
			})
			if block {
				rs.cancelItem(c.IssueB)
			}
		}
	}
}

// ensureIssueQueued creates the issue row on first sight and moves
// discovered issues to queued. Issues already past queued are left alone.
func (o *Orchestrator) ensureIssueQueued(url string) error {
	issue, err := o.store.GetIssueByURL(url)
	if err != nil {
		owner, repo, number, parseErr := github.ParseIssueURL(url)
		if parseErr != nil {
			return parseErr
		}
		issue = &persistence.Issue{
			ID:      persistence.GenerateIssueID(),
			Project: owner + "/" + repo,
			Number:  number,
			URL:     url,
			Title:   fmt.Sprintf("%s/%s#%d", owner, repo, number),
			State:   persistence.IssueDiscovered,
		}
		if err := o.store.CreateIssue(issue); err != nil {
			return err
		}
	}
	if issue.State == persistence.IssueDiscovered {
		return o.store.TransitionIssue(issue.ID, persistence.IssueQueued, "enqueued for run", nil)
	}
	return nil
}

func (o *Orchestrator) runStatus(runID string) string {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return persistence.RunFailed
	}
	return run.Status
}

// emit publishes an event with the run's current counts attached.
func (o *Orchestrator) emit(runID string, event events.Event) {
	event.RunID = runID
	if counts, err := o.store.GetRunCounts(runID); err == nil {
		event.Counts = &events.Counts{
			Pending:    counts.Pending,
			InProgress: counts.InProgress,
			Completed:  counts.Completed,
			Failed:     counts.Failed,
			Cancelled:  counts.Cancelled,
			Total:      counts.Total(),
		}
		if event.Total == 0 {
			event.Total = counts.Total()
		}
		event.Index = counts.Resolved()
	}
	o.bus.Publish(event)
}
