// Package retry provides the backoff and retry-eligibility policy for
// queued operations.
package retry

import (
	"time"

	"opqueue/internal/models"
)

const (
	// DefaultInitialDelay is the backoff delay before the first retry.
	DefaultInitialDelay = 1 * time.Second

	// DefaultMaxDelay caps the exponential growth. A client-side queue
	// should retry within the same session, not hours later.
	DefaultMaxDelay = 5 * time.Minute
)

// Policy computes backoff delays and retry eligibility. The zero value is
// not usable; construct with Default or NewPolicy.
type Policy struct {
	initialDelay time.Duration
	maxDelay     time.Duration
}

// Default returns a policy with a 1s initial delay capped at 5 minutes.
func Default() *Policy {
	return NewPolicy(DefaultInitialDelay, DefaultMaxDelay)
}

// NewPolicy returns a policy with the given initial delay and cap.
func NewPolicy(initialDelay, maxDelay time.Duration) *Policy {
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}
	return &Policy{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
	}
}

// ShouldRetry reports whether the operation is eligible for another
// automatic attempt. Past the ceiling the answer is always false; the
// operation stays in the store until an operator purges or re-arms it.
func (p *Policy) ShouldRetry(op *models.Operation) bool {
	return op.Status == models.StatusFailed && op.RetryCount < op.MaxRetries
}

// NextDelay returns the backoff delay after the given number of prior
// failed attempts: initialDelay * 2^retryCount, capped.
//
// The delay governs when the coordinator may next claim this operation,
// not a blocking sleep in the drain loop.
func (p *Policy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := p.initialDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	if delay > p.maxDelay {
		return p.maxDelay
	}
	return delay
}

// NextAttemptAt returns the unix-millisecond lower bound of the backoff
// window opening after a failure, given the retry count before the failure
// was recorded.
func (p *Policy) NextAttemptAt(now time.Time, retryCount int) int64 {
	return now.Add(p.NextDelay(retryCount)).UnixMilli()
}
