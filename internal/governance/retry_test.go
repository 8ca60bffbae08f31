package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:        maxRetries,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestExecuteWithRetrySucceedsFirstAttempt(t *testing.T) {
	rp := NewRetryPolicy(fastRetryConfig(3))

	value, attempts, err := rp.ExecuteWithRetry(context.Background(), func(context.Context) (any, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 1, attempts)
}

func TestExecuteWithRetryRecoversFromTransientFailure(t *testing.T) {
	rp := NewRetryPolicy(fastRetryConfig(3))

	calls := 0
	value, attempts, err := rp.ExecuteWithRetry(context.Background(), func(context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return "recovered", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", value)
	assert.Equal(t, 3, attempts)
}

func TestExecuteWithRetryExhaustsCeiling(t *testing.T) {
	rp := NewRetryPolicy(fastRetryConfig(2))

	calls := 0
	_, attempts, err := rp.ExecuteWithRetry(context.Background(), func(context.Context) (any, error) {
		calls++
		return nil, errors.New("connection reset")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetryStopsOnFatal(t *testing.T) {
	rp := NewRetryPolicy(fastRetryConfig(3))

	calls := 0
	fatal := Fatal(errors.New("schema invalid"))
	_, attempts, err := rp.ExecuteWithRetry(context.Background(), func(context.Context) (any, error) {
		calls++
		return nil, fatal
	})

	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, attempts, "fatal failures must not be retried")
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryStopsOnNonRetryable(t *testing.T) {
	rp := NewRetryPolicy(fastRetryConfig(3))

	_, attempts, err := rp.ExecuteWithRetry(context.Background(), func(context.Context) (any, error) {
		return nil, errors.New("validation failed")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecuteWithRetryHonorsContextCancellation(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{
		MaxRetries:     5,
		InitialBackoff: time.Hour, // backoff wait must be interrupted
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := rp.ExecuteWithRetry(ctx, func(context.Context) (any, error) {
		return nil, errors.New("timeout contacting upstream")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"fatal", Fatal(errors.New("boom")), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"arbitrary", errors.New("bad payload"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestCalculateBackoffCapped(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	})

	assert.Equal(t, 100*time.Millisecond, rp.CalculateBackoff(0))
	assert.Equal(t, 400*time.Millisecond, rp.CalculateBackoff(2))
	assert.Equal(t, time.Second, rp.CalculateBackoff(10), "backoff must not exceed the cap")
}
