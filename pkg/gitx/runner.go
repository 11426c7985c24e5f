// Package gitx runs git subprocesses with uniform timeout handling and
// error classification.
package gitx

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"conductor/pkg/errs"
	"conductor/pkg/logx"
)

// waitDelay is how long a cancelled git process gets to exit after SIGTERM
// before it is killed.
const waitDelay = 5 * time.Second

// Runner executes git commands. Local commands run under the caller's
// context; network commands additionally get a hard timeout so a hung
// remote never blocks a worker forever.
type Runner struct {
	logger         *logx.Logger
	networkTimeout time.Duration
}

// NewRunner creates a runner. networkTimeout bounds every network-touching
// command (clone, fetch, push, ls-remote).
func NewRunner(networkTimeout time.Duration) *Runner {
	if networkTimeout <= 0 {
		networkTimeout = 5 * time.Minute
	}
	return &Runner{
		logger:         logx.NewLogger("gitx"),
		networkTimeout: networkTimeout,
	}
}

// Run executes a local git command in dir and returns its trimmed combined
// output. Failures are reported as GitOperationError.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return r.run(ctx, dir, args)
}

// RunNetwork executes a network-touching git command under the runner's
// network timeout. Timeouts and remote failures come back as retryable
// NetworkError / TimeoutError so the resilience layer knows to retry them.
func (r *Runner) RunNetwork(ctx context.Context, dir string, args ...string) (string, error) {
	netCtx, cancel := context.WithTimeout(ctx, r.networkTimeout)
	defer cancel()

	out, err := r.run(netCtx, dir, args)
	if err == nil {
		return out, nil
	}

	op := commandName(args)
	if netCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return out, &errs.TimeoutError{Op: "git " + op, After: r.networkTimeout}
	}
	if isRemoteFailure(out) {
		return out, &errs.NetworkError{Op: "git " + op, Err: err}
	}
	return out, err
}

func (r *Runner) run(ctx context.Context, dir string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Give git a chance to clean up lock files before the hard kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	r.logger.Debug("git %s (dir=%s)", strings.Join(args, " "), dir)

	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		return out, &errs.GitOperationError{
			Op:     commandName(args),
			Dir:    dir,
			Output: out,
			Err:    err,
		}
	}
	return out, nil
}

// commandName picks the subcommand for error messages, skipping global
// flags like -C.
func commandName(args []string) string {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-C", "-c":
			i++ // Skip the flag's value too.
		default:
			if !strings.HasPrefix(args[i], "-") {
				return args[i]
			}
		}
	}
	return "git"
}

// isRemoteFailure recognizes transport-level failures in git's output.
func isRemoteFailure(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range []string{
		"could not resolve host",
		"could not read from remote repository",
		"connection refused",
		"connection reset",
		"connection timed out",
		"operation timed out",
		"remote end hung up",
		"early eof",
		"failed to connect",
		"network is unreachable",
		"ssl_error",
		"the requested url returned error: 5",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether a git error means the ref or object does not
// exist rather than a real failure.
func IsNotFound(err error) bool {
	var gitErr *errs.GitOperationError
	if !errors.As(err, &gitErr) {
		return false
	}
	lower := strings.ToLower(gitErr.Output)
	return strings.Contains(lower, "not a valid ref") ||
		strings.Contains(lower, "unknown revision") ||
		strings.Contains(lower, "did not match any") ||
		strings.Contains(lower, "no such ref")
}
