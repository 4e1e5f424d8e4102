// Package retry implements the bounded exponential backoff policy used by
// ObjectStore operations (§4.1, §5): at most 3 attempts, backoff
// 0.3*2^n seconds. Grounded on the teacher's internal/ratelimit/handler.go
// (RetryStrategy + scheduleRetry), restructured from a provider-keyed
// background scheduler into a synchronous helper a caller blocks on.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy configures a retry loop.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before attempt n is BaseDelay * 2^(n-1)
}

// DefaultPolicy matches §4.1/§5: up to 3 attempts, 0.3s base delay.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 300 * time.Millisecond}
}

// Retryable distinguishes transient remote errors (worth retrying) from
// permanent ones (input/permission errors that retrying won't fix).
type Retryable interface {
	Retryable() bool
}

// Do runs fn up to p.MaxAttempts times, sleeping BaseDelay*2^n between
// attempts. It stops early if fn returns an error implementing Retryable
// that reports false, or if ctx is cancelled.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.BaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("retry: context cancelled after %d attempts: %w", attempt, ctx.Err())
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if r, ok := lastErr.(Retryable); ok && !r.Retryable() {
			return lastErr
		}
	}

	return fmt.Errorf("retry: exhausted %d attempts: %w", p.MaxAttempts, lastErr)
}
