// Package workspace manages the per-issue git lifecycle: one shared clone,
// a deterministic branch per issue, and an isolated worktree per active
// work item.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"conductor/pkg/config"
	"conductor/pkg/errs"
	"conductor/pkg/gitx"
	"conductor/pkg/logx"
	"conductor/pkg/resilience"
)

// PRChecker answers whether a branch currently backs an open pull request.
// The auto-clean strategy consults it before deleting any remote branch.
type PRChecker interface {
	HasOpenPR(ctx context.Context, branch string) (bool, error)
}

// Workspace is one issue's isolated checkout.
type Workspace struct {
	IssueURL string
	Branch   string
	Path     string
}

// Manager owns the clone at <workDir>/repo and the worktrees under
// <workDir>/worktrees. All remote-touching calls route through the
// resilience executor under the "git-remote" class.
type Manager struct {
	cfg     config.Git
	workDir string
	runner  *gitx.Runner
	exec    *resilience.Executor
	prs     PRChecker
	logger  *logx.Logger

	// refMu serializes branch create/delete in the shared clone. Worktree
	// paths are partitioned per issue and need no lock.
	refMu sync.Mutex

	mu     sync.Mutex
	active map[string]*Workspace // issue URL -> live worktree
}

// NewManager creates a workspace manager. prs may be nil when no VCS-host
// client is available; auto-clean then degrades to reuse.
func NewManager(cfg config.Git, workDir string, exec *resilience.Executor, prs PRChecker) *Manager {
	return &Manager{
		cfg:     cfg,
		workDir: workDir,
		runner:  gitx.NewRunner(cfg.NetworkTimeout.Std()),
		exec:    exec,
		prs:     prs,
		logger:  logx.NewLogger("workspace"),
		active:  make(map[string]*Workspace),
	}
}

// RepoDir is the shared clone path.
func (m *Manager) RepoDir() string {
	return filepath.Join(m.workDir, "repo")
}

func (m *Manager) worktreesDir() string {
	return filepath.Join(m.workDir, "worktrees")
}

// EnsureRepository clones on first use and fetches thereafter; calling it
// repeatedly is safe. In fork mode the clone's origin is the fork (push
// target) and the upstream repository is added as a second remote.
func (m *Manager) EnsureRepository(ctx context.Context) error {
	repoDir := m.RepoDir()

	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err == nil {
		return m.fetchAll(ctx)
	}

	if err := os.MkdirAll(m.workDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	cloneURL := m.cfg.RepoURL
	if m.cfg.ForkWorkflow {
		cloneURL = m.cfg.ForkRemoteURL
	}

	m.logger.Info("cloning %s into %s", cloneURL, repoDir)
	err := m.exec.Execute(ctx, resilience.Operation{
		Class: "git-remote",
		Name:  "clone",
		Run: func(ctx context.Context, _ resilience.Heartbeat) error {
			_, err := m.runner.RunNetwork(ctx, m.workDir, "clone", cloneURL, repoDir)
			return err
		},
	})
	if err != nil {
		return err
	}

	if m.cfg.ForkWorkflow {
		if _, err := m.runner.Run(ctx, repoDir, "remote", "add", "upstream", m.cfg.RepoURL); err != nil {
			return err
		}
		if err := m.fetchAll(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) fetchAll(ctx context.Context) error {
	return m.exec.Execute(ctx, resilience.Operation{
		Class: "git-remote",
		Name:  "fetch",
		Run: func(ctx context.Context, _ resilience.Heartbeat) error {
			_, err := m.runner.RunNetwork(ctx, m.RepoDir(), "fetch", "--all", "--prune")
			return err
		},
	})
}

// baseRef is the ref new branches start from. In fork mode work branches
// base off the upstream target branch, not the fork's possibly-stale copy.
func (m *Manager) baseRef() string {
	remote := "origin"
	if m.cfg.ForkWorkflow {
		remote = "upstream"
	}
	return remote + "/" + m.cfg.TargetBranch
}

// pushRemote is where work branches are pushed and, under auto-clean,
// where stale branches are deleted.
func (m *Manager) pushRemote() string {
	return "origin"
}

// CreateBranch derives the issue's deterministic branch name and resolves
// collisions per the configured strategy. It returns the branch actually
// created or adopted. Ref mutations on the shared clone are serialized.
func (m *Manager) CreateBranch(ctx context.Context, issueNumber int, title string) (string, error) {
	m.refMu.Lock()
	defer m.refMu.Unlock()

	name := BranchName(m.cfg.BranchPrefix, issueNumber, title)

	taken, err := m.branchTaken(ctx, name)
	if err != nil {
		return "", err
	}
	if !taken {
		return name, m.newBranch(ctx, name)
	}

	switch m.cfg.BranchStrategy {
	case config.StrategyFail:
		return "", fmt.Errorf("%w: %s", errs.ErrBranchExists, name)
	case config.StrategyReuse:
		return name, m.reuseBranch(ctx, name)
	case config.StrategySuffix:
		return m.suffixBranch(ctx, name)
	case config.StrategyAutoClean:
		return name, m.autoCleanBranch(ctx, name)
	default:
		return "", fmt.Errorf("unknown branch strategy %q", m.cfg.BranchStrategy)
	}
}

// branchTaken reports whether the name exists locally or on the push remote.
func (m *Manager) branchTaken(ctx context.Context, name string) (bool, error) {
	repoDir := m.RepoDir()
	if ok, err := m.runner.BranchExists(ctx, repoDir, name); err != nil || ok {
		return ok, err
	}
	return m.runner.RemoteBranchExists(ctx, repoDir, m.pushRemote(), name)
}

func (m *Manager) newBranch(ctx context.Context, name string) error {
	_, err := m.runner.Run(ctx, m.RepoDir(), "branch", name, m.baseRef())
	return err
}

// reuseBranch attaches to the existing branch, materializing a local branch
// from the remote copy when only the remote one exists.
func (m *Manager) reuseBranch(ctx context.Context, name string) error {
	repoDir := m.RepoDir()
	local, err := m.runner.BranchExists(ctx, repoDir, name)
	if err != nil {
		return err
	}
	if local {
		return nil
	}
	_, err = m.runner.Run(ctx, repoDir, "branch", "--track", name, m.pushRemote()+"/"+name)
	return err
}

// suffixBranch probes name-2, name-3, ... up to the configured bound and
// creates the first free candidate.
func (m *Manager) suffixBranch(ctx context.Context, name string) (string, error) {
	for i := 2; i <= m.cfg.SuffixLimit; i++ {
		candidate := SuffixedName(name, i)
		taken, err := m.branchTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, m.newBranch(ctx, candidate)
		}
	}
	return "", fmt.Errorf("%w: no free suffix for %s within %d probes",
		errs.ErrBranchExists, name, m.cfg.SuffixLimit)
}

// autoCleanBranch deletes the stale branch locally and remotely and
// recreates it fresh, unless the remote branch backs an open pull request.
// Deleting a branch under an open PR silently closes the PR, so in that
// case the strategy falls back to reuse.
func (m *Manager) autoCleanBranch(ctx context.Context, name string) error {
	if m.prs != nil {
		open, err := m.prs.HasOpenPR(ctx, name)
		if err != nil {
			return err
		}
		if open {
			m.logger.Warn("branch %s backs an open PR; reusing instead of cleaning", name)
			return m.reuseBranch(ctx, name)
		}
	} else {
		m.logger.Warn("no PR checker configured; reusing %s instead of cleaning", name)
		return m.reuseBranch(ctx, name)
	}

	repoDir := m.RepoDir()
	if local, err := m.runner.BranchExists(ctx, repoDir, name); err != nil {
		return err
	} else if local {
		if _, err := m.runner.Run(ctx, repoDir, "branch", "-D", name); err != nil {
			return err
		}
	}

	remote, err := m.runner.RemoteBranchExists(ctx, repoDir, m.pushRemote(), name)
	if err != nil {
		return err
	}
	if remote {
		err := m.exec.Execute(ctx, resilience.Operation{
			Class: "git-remote",
			Name:  "push-delete",
			Run: func(ctx context.Context, _ resilience.Heartbeat) error {
				_, err := m.runner.RunNetwork(ctx, repoDir, "push", m.pushRemote(), "--delete", name)
				return err
			},
		})
		if err != nil {
			return err
		}
	}

	return m.newBranch(ctx, name)
}

// CreateWorktree materializes an isolated checkout of branch for the issue.
// Exactly one worktree may be active per issue; a second concurrent request
// is refused with ErrWorktreeActive.
func (m *Manager) CreateWorktree(ctx context.Context, issueURL, branch string) (*Workspace, error) {
	m.mu.Lock()
	if existing, ok := m.active[issueURL]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already checked out at %s",
			errs.ErrWorktreeActive, issueURL, existing.Path)
	}
	ws := &Workspace{
		IssueURL: issueURL,
		Branch:   branch,
		Path:     filepath.Join(m.worktreesDir(), WorktreeDirName(branch)),
	}
	m.active[issueURL] = ws
	m.mu.Unlock()

	if err := os.MkdirAll(m.worktreesDir(), 0o755); err != nil {
		m.release(issueURL)
		return nil, fmt.Errorf("failed to create worktrees dir: %w", err)
	}
	if _, err := m.runner.Run(ctx, m.RepoDir(), "worktree", "add", ws.Path, branch); err != nil {
		m.release(issueURL)
		return nil, err
	}
	m.logger.Info("worktree %s -> %s", branch, ws.Path)
	return ws, nil
}

// RemoveWorktree tears the checkout down: git first, then forced filesystem
// removal plus prune when git refuses.
func (m *Manager) RemoveWorktree(ctx context.Context, ws *Workspace) error {
	defer m.release(ws.IssueURL)

	if _, err := m.runner.Run(ctx, m.RepoDir(), "worktree", "remove", "--force", ws.Path); err != nil {
		m.logger.Warn("git worktree remove failed, forcing filesystem cleanup: %v", err)
		if rmErr := os.RemoveAll(ws.Path); rmErr != nil {
			return fmt.Errorf("failed to remove worktree %s: %w", ws.Path, rmErr)
		}
		_, _ = m.runner.Run(ctx, m.RepoDir(), "worktree", "prune")
	}
	return nil
}

func (m *Manager) release(issueURL string) {
	m.mu.Lock()
	delete(m.active, issueURL)
	m.mu.Unlock()
}

// Active returns a snapshot of the live worktrees, keyed by issue URL.
func (m *Manager) Active() map[string]*Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Workspace, len(m.active))
	for k, v := range m.active {
		out[k] = v
	}
	return out
}

// ModifiedFiles returns every path the workspace has touched relative to
// the target branch: committed, staged, unstaged, and untracked.
func (m *Manager) ModifiedFiles(ctx context.Context, ws *Workspace) ([]string, error) {
	return m.runner.ModifiedFiles(ctx, ws.Path, m.baseRef())
}

// Push publishes the workspace's branch to the push remote.
func (m *Manager) Push(ctx context.Context, ws *Workspace) error {
	return m.exec.Execute(ctx, resilience.Operation{
		Class: "git-remote",
		Name:  "push",
		Run: func(ctx context.Context, _ resilience.Heartbeat) error {
			_, err := m.runner.RunNetwork(ctx, ws.Path, "push", "-u", m.pushRemote(), ws.Branch)
			return err
		},
	})
}
