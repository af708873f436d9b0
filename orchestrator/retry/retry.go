// Package retry provides the driver-internal retry helper. It applies
// exponential backoff with jitter under a RetryPolicy and retries only the
// error categories the policy declares retryable.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

// ExhaustedError is returned when all retry attempts have been exhausted.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// TotalDuration is the total time spent retrying.
	TotalDuration time.Duration
	// LastError is the error from the last attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Do executes fn, retrying failures whose category the policy declares
// retryable. The attempt count is bounded by MaxRetries plus the initial
// attempt; callers bound the wall clock with a context deadline.
func Do(ctx context.Context, policy config.RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !policy.Retryable(ocr.CategoryOf(err)) {
			return err
		}
		if attempt >= attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ocr.Cancelled(ocr.EngineOf(err), "retry", ctx.Err())
		case <-time.After(backoff(policy, attempt)):
		}
	}

	return &ExhaustedError{
		Attempts:      attempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// backoff computes the delay before the given retry using exponential growth
// capped at BackoffMax, with up to 10% jitter to avoid thundering herds.
func backoff(policy config.RetryPolicy, attempt int) time.Duration {
	initial := policy.InitialBackoff
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	factor := policy.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(initial) * math.Pow(factor, float64(attempt-1))
	if policy.BackoffMax > 0 && d > float64(policy.BackoffMax) {
		d = float64(policy.BackoffMax)
	}
	d += d * 0.1 * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	return time.Duration(d)
}
