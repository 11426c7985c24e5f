package resilience

import (
	"math"
	"math/rand"
	"time"

	"conductor/pkg/errs"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts   int           // Maximum attempts, including the initial one
	InitialDelay  time.Duration // Delay before the first retry
	MaxDelay      time.Duration // Cap on the exponential backoff
	BackoffFactor float64       // Multiplier per retry
	Jitter        bool          // Randomize delays to avoid thundering herds
}

// DefaultRetryConfig provides reasonable defaults.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   4,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier decides whether an error is worth retrying.
type Classifier func(error) bool

// Policy encapsulates retry configuration and classification.
type Policy struct {
	Config     RetryConfig
	Classifier Classifier
}

// NewPolicy builds a retry policy. A nil classifier defaults to
// errs.IsRetryable: only transient network failures and watchdog timeouts
// retry; logic errors propagate immediately.
func NewPolicy(config RetryConfig, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = errs.IsRetryable
	}
	if config.BackoffFactor <= 0 {
		config.BackoffFactor = DefaultRetryConfig.BackoffFactor
	}
	return &Policy{Config: config, Classifier: classifier}
}

// Delay computes the backoff before the given attempt (attempt 1 is the
// initial call and has no delay).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	if p.Config.Jitter && delay > 0 {
		// +/- 10% of the computed delay.
		jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
		delay += jitter
		if delay < 0 {
			delay = p.Config.InitialDelay
		}
	}

	return delay
}

// ShouldRetry reports whether the error class is retryable.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
