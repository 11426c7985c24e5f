// Package errs defines the error taxonomy shared across the orchestrator.
//
// Two kinds of errors live here: sentinel errors for simple identity checks
// via errors.Is, and typed errors carrying domain context for errors.As.
// The retry layer only ever retries errors classified retryable by
// IsRetryable; everything else propagates to the caller unchanged.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for coarse identity checks.
var (
	// ErrNotFound indicates a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates a state change not allowed by the
	// entity's transition table.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrBudgetExceeded indicates the budget governor denied further work.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrCircuitOpen indicates a call was rejected without being attempted
	// because its circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrWorktreeActive indicates a second worktree was requested for an
	// issue that already has one.
	ErrWorktreeActive = errors.New("worktree already active for issue")
	// ErrBranchExists indicates a branch collision under the fail strategy.
	ErrBranchExists = errors.New("branch already exists")
)

// InvalidTransitionError reports a rejected state change. The store returns
// it without writing anything: the entity row and its audit log are left
// exactly as they were.
type InvalidTransitionError struct {
	Entity string // entity kind: "issue", "work_item", "session", "run"
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NetworkError wraps a transient failure from a remote-touching operation.
// It is the only error class, together with TimeoutError, that the
// resilience layer will retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// GitOperationError reports a local repository-state problem (bad ref,
// dirty tree, unmergeable state). Never retried: reissuing the same
// command against the same tree cannot help.
type GitOperationError struct {
	Op     string
	Dir    string
	Output string
	Err    error
}

func (e *GitOperationError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("git %s failed in %s: %v\n%s", e.Op, e.Dir, e.Err, e.Output)
	}
	return fmt.Sprintf("git %s failed in %s: %v", e.Op, e.Dir, e.Err)
}

func (e *GitOperationError) Unwrap() error { return e.Err }

// TimeoutError reports a watchdog abort: the operation went silent for
// longer than its inactivity window.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %s of inactivity", e.Op, e.After)
}

// CircuitOpenError is returned without invoking the wrapped operation while
// the named circuit is open.
type CircuitOpenError struct {
	Class string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s is open", e.Class)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// BudgetExceededError reports an advisory denial from the budget governor.
// It blocks new work only; it is never raised against work already running.
type BudgetExceededError struct {
	Scope    string
	LimitUSD float64
	SpentUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s: spent $%.4f of $%.4f", e.Scope, e.SpentUSD, e.LimitUSD)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// IsRetryable reports whether the resilience layer may retry err.
// Only transient network failures and watchdog timeouts qualify.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var toErr *TimeoutError
	return errors.As(err, &toErr)
}

// IsTerminal reports whether err should stop a run rather than a single
// work item. Circuit-open and budget denials are run-level conditions.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrBudgetExceeded)
}
