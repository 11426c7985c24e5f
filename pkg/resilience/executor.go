package resilience

import (
	"context"
	"sync"
	"time"

	"conductor/pkg/errs"
	"conductor/pkg/logx"
)

// Operation is one fallible, network-touching call.
type Operation struct {
	// Class names the circuit this call shares with its peers
	// ("git-remote", "vcs-api", "ai-backend"). One breaker per class.
	Class string
	// Name identifies the specific call for logs and errors.
	Name string
	// Run performs the call. It must honor ctx cancellation and should
	// call beat whenever it makes observable progress.
	Run func(ctx context.Context, beat Heartbeat) error
	// Retry overrides the executor's retry config for this call.
	Retry *RetryConfig
	// WatchdogTimeout overrides the executor's inactivity window.
	// Zero disables the watchdog for this call.
	WatchdogTimeout *time.Duration
}

// Executor applies the uniform retry / circuit-breaker / watchdog
// discipline. One Executor is shared process-wide so circuit state spans
// all workers.
type Executor struct {
	retry         RetryConfig
	breakerConfig BreakerConfig
	watchdog      time.Duration
	classifier    Classifier
	logger        *logx.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

// ExecutorConfig configures a new Executor.
type ExecutorConfig struct {
	Retry           RetryConfig
	Breaker         BreakerConfig
	WatchdogTimeout time.Duration
	// Classifier defaults to errs.IsRetryable.
	Classifier Classifier
}

// NewExecutor creates an executor with the given defaults.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryConfig
	}
	if cfg.Breaker.FailureThreshold < 1 {
		cfg.Breaker = DefaultBreakerConfig
	}
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = errs.IsRetryable
	}
	return &Executor{
		retry:         cfg.Retry,
		breakerConfig: cfg.Breaker,
		watchdog:      cfg.WatchdogTimeout,
		classifier:    classifier,
		logger:        logx.NewLogger("resilience"),
		breakers:      make(map[string]*breaker),
	}
}

// Execute runs op under the full discipline: fail fast while the class
// circuit is open, abort on watchdog silence, retry transient failures with
// exponential backoff, and feed every outcome back into the breaker.
func (e *Executor) Execute(ctx context.Context, op Operation) error {
	policy := NewPolicy(e.retry, e.classifier)
	if op.Retry != nil {
		policy = NewPolicy(*op.Retry, e.classifier)
	}
	wdTimeout := e.watchdog
	if op.WatchdogTimeout != nil {
		wdTimeout = *op.WatchdogTimeout
	}

	br := e.breakerFor(op.Class)

	var lastErr error
	for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
		if delay := policy.Delay(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if !br.allow() {
			// Fail fast: the wrapped operation is not invoked at all.
			return &errs.CircuitOpenError{Class: op.Class}
		}

		err := e.attempt(ctx, op, wdTimeout)
		br.record(err == nil)

		if err == nil {
			return nil
		}
		lastErr = err

		if !policy.ShouldRetry(err) {
			return err
		}
		if attempt < policy.Config.MaxAttempts {
			e.logger.Warn("%s/%s attempt %d/%d failed, retrying: %v",
				op.Class, op.Name, attempt, policy.Config.MaxAttempts, err)
		}
	}
	return lastErr
}

// attempt runs one try under the watchdog.
func (e *Executor) attempt(ctx context.Context, op Operation, wdTimeout time.Duration) error {
	watched, beat, wd := newWatchdog(ctx, wdTimeout)
	defer wd.done()

	err := op.Run(watched, beat)
	if err != nil && wd.hasFired() {
		// The operation failed because the watchdog pulled its context,
		// not on its own terms.
		return wd.timeoutError(op.Name)
	}
	return err
}

// BreakerState reports the circuit state for an operation class, for the
// status API and metrics.
func (e *Executor) BreakerState(class string) State {
	return e.breakerFor(class).getState()
}

// ResetBreaker manually closes the circuit for a class.
func (e *Executor) ResetBreaker(class string) {
	e.breakerFor(class).reset()
}

func (e *Executor) breakerFor(class string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	br, ok := e.breakers[class]
	if !ok {
		br = newBreaker(e.breakerConfig)
		e.breakers[class] = br
	}
	return br
}
