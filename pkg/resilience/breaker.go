// Package resilience wraps every network-touching operation in a uniform
// retry / circuit-breaker / watchdog discipline.
package resilience

import (
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // Testing if the dependency recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig defines circuit breaker behavior for one operation class.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Consecutive half-open successes to close
	OpenDuration     time.Duration // How long to reject before a probe
}

// DefaultBreakerConfig provides reasonable defaults.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	OpenDuration:     30 * time.Second,
}

// breaker tracks failures for one named operation class.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type breaker struct {
	config       BreakerConfig
	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	probing      bool // A half-open probe is in flight
	lastChange   time.Time
}

func newBreaker(config BreakerConfig) *breaker {
	return &breaker{config: config, state: Closed, lastChange: time.Now()}
}

// allow reports whether a call may proceed. In half-open exactly one probe
// is admitted at a time; concurrent callers fail fast until it resolves.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastChange) >= b.config.OpenDuration {
			b.state = HalfOpen
			b.successCount = 0
			b.probing = true
			b.lastChange = time.Now()
			return true
		}
		return false
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// record registers the outcome of an admitted call.
func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.probing = false
	}

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *breaker) getState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.probing = false
	b.lastChange = time.Now()
}

func (b *breaker) onSuccess() {
	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
			b.lastChange = time.Now()
		}
	}
}

func (b *breaker) onFailure() {
	b.failureCount++

	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
			b.lastChange = time.Now()
		}
	case HalfOpen:
		// Any failure while probing reopens immediately.
		b.state = Open
		b.successCount = 0
		b.lastChange = time.Now()
	}
}
