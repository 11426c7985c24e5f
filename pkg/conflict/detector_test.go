package conflict

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
	"conductor/pkg/workspace"
)

// fakeSource serves static modified-file sets per issue.
type fakeSource struct {
	mu    sync.Mutex
	files map[string][]string // issue URL -> modified files
	roots map[string]string   // issue URL -> worktree path
}

func (f *fakeSource) Active() map[string]*workspace.Workspace {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*workspace.Workspace)
	for url := range f.files {
		out[url] = &workspace.Workspace{IssueURL: url, Path: f.roots[url]}
	}
	return out
}

func (f *fakeSource) ModifiedFiles(_ context.Context, ws *workspace.Workspace) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[ws.IssueURL], nil
}

func (f *fakeSource) set(url string, files ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = make(map[string][]string)
		f.roots = make(map[string]string)
	}
	f.files[url] = files
}

func newDetector(t *testing.T, policy string, src Source) *Detector {
	t.Helper()
	d, err := NewDetector(config.Conflict{
		Policy:       policy,
		PollInterval: config.Duration(time.Hour), // poll backstop out of the way
	}, src)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestScanFindsPairwiseOverlap(t *testing.T) {
	src := &fakeSource{}
	src.set("issue/1", "a.go", "shared.go")
	src.set("issue/2", "b.go", "shared.go")
	src.set("issue/3", "c.go")

	d := newDetector(t, config.ConflictWarn, src)

	conflicts, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "issue/1", conflicts[0].IssueA)
	assert.Equal(t, "issue/2", conflicts[0].IssueB)
	assert.Equal(t, []string{"shared.go"}, conflicts[0].Paths)
}

func TestScanNoOverlap(t *testing.T) {
	src := &fakeSource{}
	src.set("issue/1", "a.go")
	src.set("issue/2", "b.go")

	d := newDetector(t, config.ConflictWarn, src)

	conflicts, err := d.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestCheckBlockPolicyRefuses(t *testing.T) {
	src := &fakeSource{}
	src.set("issue/1", "shared.go")
	src.set("issue/2", "shared.go")

	d := newDetector(t, config.ConflictBlock, src)

	allowed, conflicts, err := d.Check(context.Background(), "issue/2")
	require.NoError(t, err)
	assert.False(t, allowed)
	require.Len(t, conflicts, 1)

	// An uninvolved issue is unaffected.
	src.set("issue/3", "other.go")
	allowed, conflicts, err = d.Check(context.Background(), "issue/3")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, conflicts)
}

func TestCheckWarnPolicyProceeds(t *testing.T) {
	src := &fakeSource{}
	src.set("issue/1", "shared.go")
	src.set("issue/2", "shared.go")

	d := newDetector(t, config.ConflictWarn, src)

	allowed, conflicts, err := d.Check(context.Background(), "issue/2")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Len(t, conflicts, 1)
}

func TestSkipPolicyNeverScans(t *testing.T) {
	src := &fakeSource{}
	src.set("issue/1", "shared.go")
	src.set("issue/2", "shared.go")

	d := newDetector(t, config.ConflictSkip, src)

	conflicts, err := d.Scan(context.Background())
	require.NoError(t, err)
	assert.Nil(t, conflicts)

	allowed, _, err := d.Check(context.Background(), "issue/1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCallbackFiresOnOverlap(t *testing.T) {
	src := &fakeSource{}
	src.set("issue/1", "shared.go")
	src.set("issue/2", "shared.go")

	d := newDetector(t, config.ConflictWarn, src)

	var got []Conflict
	d.SetConflictCallback(func(cs []Conflict) { got = cs })

	_, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"shared.go"}, got[0].Paths)
}

func TestUnwatchDropsConflicts(t *testing.T) {
	src := &fakeSource{}
	src.set("issue/1", "shared.go")
	src.set("issue/2", "shared.go")

	d := newDetector(t, config.ConflictWarn, src)
	_, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, d.Conflicts(), 1)

	d.Unwatch(&workspace.Workspace{IssueURL: "issue/1"})
	assert.Empty(t, d.Conflicts())
}

func TestFilesystemEventTriggersRescan(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	src := &fakeSource{}
	src.set("issue/1")
	src.set("issue/2")
	src.mu.Lock()
	src.roots["issue/1"] = dirA
	src.roots["issue/2"] = dirB
	src.mu.Unlock()

	d, err := NewDetector(config.Conflict{
		Policy:       config.ConflictWarn,
		PollInterval: config.Duration(time.Hour),
	}, src)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	fired := make(chan []Conflict, 4)
	d.SetConflictCallback(func(cs []Conflict) {
		select {
		case fired <- cs:
		default:
		}
	})

	require.NoError(t, d.Watch(&workspace.Workspace{IssueURL: "issue/1", Path: dirA}))
	require.NoError(t, d.Watch(&workspace.Workspace{IssueURL: "issue/2", Path: dirB}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// Both touch the same relative path; the write should trigger a
	// debounced rescan that sees the overlap.
	src.set("issue/1", "shared.go")
	src.set("issue/2", "shared.go")
	require.NoError(t, os.WriteFile(filepath.Join(dirA, "shared.go"), []byte("x"), 0o644))

	select {
	case cs := <-fired:
		require.Len(t, cs, 1)
		assert.Equal(t, []string{"shared.go"}, cs[0].Paths)
	case <-time.After(5 * time.Second):
		t.Fatal("no conflict event after filesystem write")
	}
}
