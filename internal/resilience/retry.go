package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn up to attempts times with exponential backoff and full
// jitter, starting at delay and capping growth at maxDelay, retrying on any
// error. Used by the executor for Mechanical-level retries (spec §4.6:
// "base 200ms, cap 5s"), which cannot distinguish a retriable dispatch
// error from a terminal one at this layer.
func Retry[T any](ctx context.Context, attempts int, delay, maxDelay time.Duration, fn func(attempt int) (T, error)) (T, error) {
	return RetryIf(ctx, attempts, delay, maxDelay, alwaysRetry, fn)
}

func alwaysRetry(error) bool { return true }

// RetryIf generalizes Retry with a shouldRetry predicate consulted after
// every failed attempt: a nil error from fn always stops the loop, but a
// non-nil one only consumes another attempt when shouldRetry reports true
// for it. This backs the scheduler's ready-channel backpressure handling
// (spec §5 Backpressure), where ErrReadyOverflow is retriable but any other
// error ApplyResult returns is terminal for that dispatch and should
// propagate immediately instead of burning the remaining attempt budget.
func RetryIf[T any](ctx context.Context, attempts int, delay, maxDelay time.Duration, shouldRetry func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.GetMeterProvider().Meter("dagexec")
	attemptCounter, _ := meter.Int64Counter("dagexec_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("dagexec_retry_success_total")
	failCounter, _ := meter.Int64Counter("dagexec_retry_fail_total")

	for i := 0; i < attempts; i++ {
		v, err := fn(i + 1)
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 || !shouldRetry(err) {
			break
		}
		if cur > maxDelay {
			cur = maxDelay
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
