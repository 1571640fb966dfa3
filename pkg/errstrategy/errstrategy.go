// Package errstrategy implements the default retry/stop policy the router
// consults whenever a reactor's handler fails or an apply transaction
// aborts, per spec.md §4.11/§7.
package errstrategy

import (
	"time"
)

// Decision is what a Strategy returns after observing a failure: either
// retry at a future time (preserving offsets) or stop the group.
type Decision struct {
	Stop       bool
	StopReason string

	RetryAt      time.Time
	RetryContext map[string]any
}

// Strategy decides what to do with a consumer group after a batch failure.
type Strategy interface {
	// Decide is called with the error that occurred and the group's prior
	// error_context (nil on the first failure), and returns what the
	// router should persist against the group row.
	Decide(err error, priorContext map[string]any) Decision
}

// Backoff computes the delay before the next retry, given how many
// consecutive failures have occurred so far (1 on the first failure).
type Backoff func(attempt int) time.Duration

// ExponentialBackoff doubles from base up to max.
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}

// Default is the standard strategy: retry with backoff up to MaxRetries
// consecutive failures, then stop the group. It matches spec.md §7's
// "ErrorStrategy decides retry-with-delay or stop-group" behaviour.
type Default struct {
	MaxRetries int
	Backoff    Backoff

	// OnRetry and OnStop, if set, are invoked (outside the group's locking
	// transaction) after a decision is made — for logging/metrics hooks.
	OnRetry func(groupID string, attempt int, at time.Time)
	OnStop  func(groupID string, reason string)
}

// NewDefault returns a Default strategy with sensible bounds: 5 retries,
// exponential backoff from 1s to 5m.
func NewDefault() *Default {
	return &Default{
		MaxRetries: 5,
		Backoff:    ExponentialBackoff(time.Second, 5*time.Minute),
	}
}

func (d *Default) Decide(err error, priorContext map[string]any) Decision {
	attempt := 1
	if priorContext != nil {
		switch rc := priorContext["retry_count"].(type) {
		case int:
			attempt = rc + 1
		case float64: // error_context decoded from JSON by the SQL backends
			attempt = int(rc) + 1
		}
	}

	if attempt > d.MaxRetries {
		return Decision{
			Stop:       true,
			StopReason: err.Error(),
		}
	}

	backoff := d.Backoff
	if backoff == nil {
		backoff = ExponentialBackoff(time.Second, 5*time.Minute)
	}

	return Decision{
		RetryAt: time.Now().UTC().Add(backoff(attempt)),
		RetryContext: map[string]any{
			"retry_count": attempt,
			"last_error":  err.Error(),
		},
	}
}
