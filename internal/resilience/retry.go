// Package resilience provides the generic retry and circuit-breaker
// primitives used by the broker and backend clients to absorb transient
// infrastructure failures.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// RetryMetrics is the subset of instruments Retry records against. Callers
// construct it once at wiring time from otelinit.Metrics; a zero value is
// safe to use (nil counters are checked before use).
type RetryMetrics struct {
	Attempts metric.Int64Counter
	Success  metric.Int64Counter
	Failures metric.Int64Counter
}

// Retry executes fn with exponential backoff and full jitter. delay is the
// initial backoff; it doubles after each failed attempt, capped at 60s.
// Returns the first success, or the last error once attempts is exhausted.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, m RetryMetrics, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	cur := delay
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		addCounter(ctx, m.Attempts, 1)
		if err == nil {
			addCounter(ctx, m.Success, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}

		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			addCounter(ctx, m.Failures, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	addCounter(ctx, m.Failures, 1)
	return zero, lastErr
}

func addCounter(ctx context.Context, c metric.Int64Counter, n int64) {
	if c == nil {
		return
	}
	c.Add(ctx, n)
}
