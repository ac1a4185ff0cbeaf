package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensOnFailureRate(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 3, 0.5, 50*time.Millisecond, 1)
	require.True(t, cb.Allow())
	cb.RecordResult(false)
	cb.RecordResult(false)
	cb.RecordResult(false)
	require.False(t, cb.Healthy())
	require.False(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 2, 0.5, 10*time.Millisecond, 1)
	cb.RecordResult(false)
	cb.RecordResult(false)
	require.False(t, cb.Healthy())
	time.Sleep(15 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.RecordResult(true)
	require.True(t, cb.Healthy())
}

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, 10*time.Millisecond, func(attempt int) (int, error) {
		attempts++
		if attempt < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 3, attempts)
}

func TestRetryExhausted(t *testing.T) {
	_, err := Retry(context.Background(), 2, time.Millisecond, time.Millisecond, func(attempt int) (int, error) {
		return 0, errors.New("boom")
	})
	require.Error(t, err)
}

func TestRateLimiterCapacity(t *testing.T) {
	rl := NewRateLimiter(2, 1, time.Second, 10)
	require.True(t, rl.Allow())
	require.True(t, rl.Allow())
	require.False(t, rl.Allow())
}

func TestRateLimiterWindowCap(t *testing.T) {
	rl := NewRateLimiter(100, 100, time.Second, 1)
	require.True(t, rl.Allow())
	require.False(t, rl.Allow())
}
