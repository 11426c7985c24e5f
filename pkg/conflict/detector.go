// Package conflict detects file-level overlap between concurrently-active
// workspaces. Two work items touching the same path relative to their
// worktree roots are a conflict; what happens then is policy.
package conflict

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/workspace"
)

// Source supplies the active worktrees and their modified-file sets. The
// workspace manager satisfies it.
type Source interface {
	Active() map[string]*workspace.Workspace
	ModifiedFiles(ctx context.Context, ws *workspace.Workspace) ([]string, error)
}

// Conflict is one overlapping pair of work items.
type Conflict struct {
	IssueA     string    `json:"issue_a"`
	IssueB     string    `json:"issue_b"`
	Paths      []string  `json:"paths"`
	DetectedAt time.Time `json:"detected_at"`
}

// Involves reports whether the conflict touches the given issue.
func (c *Conflict) Involves(issueURL string) bool {
	return c.IssueA == issueURL || c.IssueB == issueURL
}

// Detector re-scans the active worktrees whenever the filesystem changes
// (debounced) and at a fixed poll interval as a backstop. File sets only
// exist once work has begun, so detection is continuous rather than a
// one-shot check at dispatch.
type Detector struct {
	policy       string
	pollInterval time.Duration
	source       Source
	logger       *logx.Logger
	watcher      *fsnotify.Watcher
	ignorePaths  []string

	mu         sync.RWMutex
	watched    map[string]string // worktree root -> issue URL
	current    []Conflict
	onConflict func([]Conflict)
}

// NewDetector creates a detector with the given policy and poll interval.
// Under the skip policy scans are no-ops and no watcher is opened.
func NewDetector(cfg config.Conflict, source Source) (*Detector, error) {
	d := &Detector{
		policy:       cfg.Policy,
		pollInterval: cfg.PollInterval.Std(),
		source:       source,
		logger:       logx.NewLogger("conflict"),
		ignorePaths:  []string{".git", "node_modules", ".DS_Store"},
		watched:      make(map[string]string),
	}
	if d.pollInterval <= 0 {
		d.pollInterval = 15 * time.Second
	}
	if cfg.Policy == config.ConflictSkip {
		return d, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}
	d.watcher = watcher
	return d, nil
}

// Policy returns the configured policy.
func (d *Detector) Policy() string { return d.policy }

// Watch starts watching a workspace's tree for changes.
func (d *Detector) Watch(ws *workspace.Workspace) error {
	if d.watcher == nil {
		return nil
	}
	d.mu.Lock()
	d.watched[ws.Path] = ws.IssueURL
	d.mu.Unlock()

	// fsnotify watches are not recursive; add every subdirectory.
	return filepath.Walk(ws.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip unreadable entries, keep walking.
		}
		base := filepath.Base(path)
		for _, ignore := range d.ignorePaths {
			if base == ignore && info.IsDir() {
				return filepath.SkipDir
			}
		}
		if info.IsDir() {
			_ = d.watcher.Add(path)
		}
		return nil
	})
}

// Unwatch stops watching a workspace and drops its conflicts.
func (d *Detector) Unwatch(ws *workspace.Workspace) {
	if d.watcher == nil {
		return
	}
	d.mu.Lock()
	delete(d.watched, ws.Path)
	kept := d.current[:0]
	for _, c := range d.current {
		if !c.Involves(ws.IssueURL) {
			kept = append(kept, c)
		}
	}
	d.current = kept
	d.mu.Unlock()
	_ = d.watcher.Remove(ws.Path)
}

// SetConflictCallback registers the handler invoked with the full conflict
// set after every scan that finds overlap.
func (d *Detector) SetConflictCallback(cb func([]Conflict)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onConflict = cb
}

// Scan computes the pairwise modified-file intersections of every active
// workspace right now. It updates the detector's current set and fires the
// callback when overlap exists.
func (d *Detector) Scan(ctx context.Context) ([]Conflict, error) {
	if d.policy == config.ConflictSkip {
		return nil, nil
	}

	active := d.source.Active()
	type fileSet struct {
		issueURL string
		files    []string
	}
	sets := make([]fileSet, 0, len(active))
	for issueURL, ws := range active {
		files, err := d.source.ModifiedFiles(ctx, ws)
		if err != nil {
			return nil, fmt.Errorf("failed to read modified files for %s: %w", issueURL, err)
		}
		sets = append(sets, fileSet{issueURL: issueURL, files: files})
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].issueURL < sets[j].issueURL })

	now := time.Now().UTC()
	var conflicts []Conflict
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			overlap := intersect(sets[i].files, sets[j].files)
			if len(overlap) == 0 {
				continue
			}
			conflicts = append(conflicts, Conflict{
				IssueA:     sets[i].issueURL,
				IssueB:     sets[j].issueURL,
				Paths:      overlap,
				DetectedAt: now,
			})
		}
	}

	d.mu.Lock()
	d.current = conflicts
	cb := d.onConflict
	d.mu.Unlock()

	if cb != nil && len(conflicts) > 0 {
		cb(conflicts)
	}
	return conflicts, nil
}

// Check is the admission gate: it scans and reports whether the issue may
// proceed under the configured policy. Only block refuses; warn logs and
// lets the work continue.
func (d *Detector) Check(ctx context.Context, issueURL string) (allowed bool, conflicts []Conflict, err error) {
	if d.policy == config.ConflictSkip {
		return true, nil, nil
	}

	all, err := d.Scan(ctx)
	if err != nil {
		return false, nil, err
	}
	for _, c := range all {
		if c.Involves(issueURL) {
			conflicts = append(conflicts, c)
		}
	}
	if len(conflicts) == 0 {
		return true, nil, nil
	}

	if d.policy == config.ConflictBlock {
		return false, conflicts, nil
	}
	d.logger.Warn("%s overlaps with other active work: %s", issueURL, describe(conflicts))
	return true, conflicts, nil
}

// Conflicts returns a copy of the current conflict set.
func (d *Detector) Conflicts() []Conflict {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Conflict, len(d.current))
	copy(out, d.current)
	return out
}

// Run re-scans on debounced filesystem events and on the poll ticker until
// ctx is cancelled. Scan errors are logged; one failed scan must not stop
// detection.
func (d *Detector) Run(ctx context.Context) {
	if d.watcher == nil {
		return
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	// Editors fire several events per save; coalesce bursts.
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if d.ignored(event.Name) {
				continue
			}
			// New directories need their own watch.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = d.watcher.Add(event.Name)
				}
			}
			debounce.Reset(100 * time.Millisecond)

		case <-debounce.C:
			d.scanAndLog(ctx)

		case <-ticker.C:
			d.scanAndLog(ctx)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("fs watcher error: %v", err)
		}
	}
}

// Close releases the watcher.
func (d *Detector) Close() error {
	if d.watcher == nil {
		return nil
	}
	return d.watcher.Close()
}

func (d *Detector) scanAndLog(ctx context.Context) {
	if _, err := d.Scan(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn("conflict scan failed: %v", err)
	}
}

func (d *Detector) ignored(path string) bool {
	for _, ignore := range d.ignorePaths {
		sep := string(filepath.Separator)
		if strings.Contains(path, sep+ignore+sep) ||
			strings.HasSuffix(path, sep+ignore) ||
			filepath.Base(path) == ignore {
			return true
		}
	}
	return false
}

// intersect returns the sorted common elements of two sorted-or-not slices.
func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	var out []string
	for _, f := range b {
		if _, ok := set[f]; ok {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

func describe(conflicts []Conflict) string {
	var parts []string
	for _, c := range conflicts {
		parts = append(parts, fmt.Sprintf("%s<->%s (%s)", c.IssueA, c.IssueB, strings.Join(c.Paths, ", ")))
	}
	return strings.Join(parts, "; ")
}
