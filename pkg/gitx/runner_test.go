package gitx

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/errs"
)

// initTestRepo creates a repo with one commit on main.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

func TestRunReturnsOutput(t *testing.T) {
	dir := initTestRepo(t)
	r := NewRunner(time.Minute)

	branch, err := r.CurrentBranch(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestRunFailureIsGitOperationError(t *testing.T) {
	dir := initTestRepo(t)
	r := NewRunner(time.Minute)

	_, err := r.Run(context.Background(), dir, "rev-parse", "no-such-ref")
	require.Error(t, err)
	var gitErr *errs.GitOperationError
	require.ErrorAs(t, err, &gitErr)
	assert.Equal(t, "rev-parse", gitErr.Op)
	assert.Equal(t, dir, gitErr.Dir)
	assert.NotEmpty(t, gitErr.Output)
}

func TestBranchExists(t *testing.T) {
	dir := initTestRepo(t)
	r := NewRunner(time.Minute)
	ctx := context.Background()

	ok, err := r.BranchExists(ctx, dir, "main")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.BranchExists(ctx, dir, "conductor/issue-42")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBranchExistsBrokenRepoIsError(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	r := NewRunner(time.Minute)
	ctx := context.Background()

	// A non-repo directory must not read as "branch absent": under the
	// fail collision strategy that would greenlight a colliding branch.
	_, err := r.BranchExists(ctx, t.TempDir(), "main")
	assert.Error(t, err)

	_, err = r.RemoteBranchExists(ctx, t.TempDir(), "origin", "main")
	assert.Error(t, err)
}

func TestModifiedFilesUnion(t *testing.T) {
	dir := initTestRepo(t)
	r := NewRunner(time.Minute)
	ctx := context.Background()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	write := func(name, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	run("checkout", "-b", "feature")

	// Committed on the branch.
	write("committed.go", "package a\n")
	run("add", "committed.go")
	run("commit", "-m", "add committed")

	// Staged but not committed.
	write("staged.go", "package b\n")
	run("add", "staged.go")

	// Tracked file modified but unstaged.
	write("README.md", "changed\n")

	// Untracked.
	write("untracked.go", "package c\n")

	files, err := r.ModifiedFiles(ctx, dir, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "committed.go", "staged.go", "untracked.go"}, files)
}

func TestModifiedFilesCleanTree(t *testing.T) {
	dir := initTestRepo(t)
	r := NewRunner(time.Minute)

	files, err := r.ModifiedFiles(context.Background(), dir, "main")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "clone", commandName([]string{"clone", "--mirror", "url"}))
	assert.Equal(t, "fetch", commandName([]string{"-C", "/tmp", "fetch", "--all"}))
	assert.Equal(t, "git", commandName([]string{"--version"}))
}

func TestIsRemoteFailure(t *testing.T) {
	assert.True(t, isRemoteFailure("fatal: Could not resolve host: github.com"))
	assert.True(t, isRemoteFailure("fatal: the remote end hung up unexpectedly"))
	assert.False(t, isRemoteFailure("error: pathspec 'x' did not match any file(s)"))
}
