// Package resilience provides generic retry-with-backoff used by the store
// and other components that spec.md requires to retry transient failures
// locally before surfacing a STORE_ERROR upward.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Retry runs fn up to attempts times, waiting a random delay between
// backoff/2 and backoff before each retry, and
// returning the first success or the last error once attempts are
// exhausted. label identifies the caller for metrics (e.g. "store.save_task").
func Retry[T any](ctx context.Context, attempts int, backoff time.Duration, label string, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = 1
	}
	meter := otel.Meter("agentd-resilience")
	attemptCounter, _ := meter.Int64Counter("agentd_retry_attempts_total")
	failCounter, _ := meter.Int64Counter("agentd_retry_exhausted_total")

	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", label)))
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", label)))
			return zero, ctx.Err()
		case <-time.After(backoff/2 + jitter/2):
		}
	}
	failCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", label)))
	return zero, lastErr
}
