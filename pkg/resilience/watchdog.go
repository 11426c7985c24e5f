package resilience

import (
	"context"
	"sync"
	"time"

	"conductor/pkg/errs"
)

// Heartbeat resets an operation's inactivity clock. Long-running operations
// call it whenever they make observable progress (a line of subprocess
// output, a streamed token, a completed network round-trip), so slow but
// progressing work is never killed; only silence is.
type Heartbeat func()

// watchdog aborts the watched context after `timeout` of inactivity.
type watchdog struct {
	cancel   context.CancelFunc
	timeout  time.Duration
	mu       sync.Mutex
	timer    *time.Timer
	fired    bool
	stopped  bool
}

// newWatchdog wraps ctx with an inactivity deadline. The returned Heartbeat
// resets the clock; done must be called to release the timer. fired()
// reports whether the watchdog, not the caller, cancelled the context.
func newWatchdog(ctx context.Context, timeout time.Duration) (context.Context, Heartbeat, *watchdog) {
	if timeout <= 0 {
		// No watchdog requested; heartbeats are no-ops.
		return ctx, func() {}, &watchdog{}
	}

	watched, cancel := context.WithCancel(ctx)
	w := &watchdog{cancel: cancel, timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		w.fired = true
		w.mu.Unlock()
		cancel()
	})

	return watched, w.beat, w
}

func (w *watchdog) beat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil && !w.fired && !w.stopped {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) done() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *watchdog) hasFired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// timeoutError builds the error reported when the watchdog fires.
func (w *watchdog) timeoutError(op string) error {
	return &errs.TimeoutError{Op: op, After: w.timeout}
}
