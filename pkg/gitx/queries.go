package gitx

import (
	"context"
	"errors"
	"os/exec"
	"sort"
	"strings"

	"conductor/pkg/errs"
)

// CurrentBranch returns the checked-out branch name in dir.
func (r *Runner) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return r.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists in dir. A missing
// ref is not an error; a broken repository is.
func (r *Runner) BranchExists(ctx context.Context, dir, branch string) (bool, error) {
	_, err := r.Run(ctx, dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if isRefMiss(err) {
		return false, nil
	}
	return false, err
}

// RemoteBranchExists reports whether remote/branch is known locally (after
// a fetch).
func (r *Runner) RemoteBranchExists(ctx context.Context, dir, remote, branch string) (bool, error) {
	_, err := r.Run(ctx, dir, "show-ref", "--verify", "--quiet",
		"refs/remotes/"+remote+"/"+branch)
	if err == nil {
		return true, nil
	}
	if isRefMiss(err) {
		return false, nil
	}
	return false, err
}

// isRefMiss distinguishes show-ref's silent exit 1 (the ref is simply
// absent) from real failures, which exit 128 and complain on stderr.
func isRefMiss(err error) bool {
	var gitErr *errs.GitOperationError
	if !errors.As(err, &gitErr) {
		return false
	}
	var exitErr *exec.ExitError
	if !errors.As(gitErr.Err, &exitErr) {
		return false
	}
	return exitErr.ExitCode() == 1 && gitErr.Output == ""
}

// DefaultBranch reads the default branch from a repository's HEAD
// ("refs/heads/main" -> "main").
func (r *Runner) DefaultBranch(ctx context.Context, dir string) (string, error) {
	out, err := r.Run(ctx, dir, "symbolic-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(out, "refs/heads/"), nil
}

// ModifiedFiles returns every path that differs from baseRef in the working
// tree at dir: commits since the merge base, staged changes, unstaged
// changes, and untracked files. The result is sorted and de-duplicated.
func (r *Runner) ModifiedFiles(ctx context.Context, dir, baseRef string) ([]string, error) {
	seen := make(map[string]struct{})

	// Committed relative to the merge base with baseRef. The three-dot
	// form ignores commits that landed on the base after the branch point.
	committed, err := r.Run(ctx, dir, "diff", "--name-only", baseRef+"...HEAD")
	if err != nil {
		// A branch with no commits yet has no merge base; fall back to
		// comparing against the base directly.
		committed, err = r.Run(ctx, dir, "diff", "--name-only", baseRef)
		if err != nil {
			return nil, err
		}
	}
	addLines(seen, committed)

	staged, err := r.Run(ctx, dir, "diff", "--name-only", "--cached")
	if err != nil {
		return nil, err
	}
	addLines(seen, staged)

	unstaged, err := r.Run(ctx, dir, "diff", "--name-only")
	if err != nil {
		return nil, err
	}
	addLines(seen, unstaged)

	untracked, err := r.Run(ctx, dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	addLines(seen, untracked)

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func addLines(seen map[string]struct{}, output string) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			seen[line] = struct{}{}
		}
	}
}
