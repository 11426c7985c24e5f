package workspace

import (
	"context"
	"strings"
)

// CleanupStale removes worktrees left behind by a previous process: every
// checkout under the manager's worktrees directory that no live work item
// owns. It returns the paths it removed. Errors on individual worktrees are
// logged and skipped so one wedged checkout never blocks startup.
func (m *Manager) CleanupStale(ctx context.Context) ([]string, error) {
	out, err := m.runner.Run(ctx, m.RepoDir(), "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	activePaths := make(map[string]struct{})
	m.mu.Lock()
	for _, ws := range m.active {
		activePaths[ws.Path] = struct{}{}
	}
	m.mu.Unlock()

	prefix := m.worktreesDir() + "/"
	var removed []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		path := strings.TrimPrefix(line, "worktree ")
		if !strings.HasPrefix(path, prefix) {
			// The main checkout, or something outside our tree.
			continue
		}
		if _, live := activePaths[path]; live {
			continue
		}
		stale := &Workspace{Path: path}
		if err := m.RemoveWorktree(ctx, stale); err != nil {
			m.logger.Warn("failed to clean stale worktree %s: %v", path, err)
			continue
		}
		m.logger.Info("cleaned stale worktree %s", path)
		removed = append(removed, path)
	}
	return removed, nil
}
