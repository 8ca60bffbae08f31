package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RetryConfig defines retry behavior for the fallback dispatch path.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to prevent thundering herd.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy determines if a failed invocation should be retried.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry determines whether another attempt is permitted for err.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= rp.config.MaxRetries {
		return false
	}
	return IsRetryable(err)
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))

	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff > 0 {
		// Add random jitter of up to 25% of the backoff
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		jitter := time.Duration(rand.Int63n(int64(backoff/4) + 1))
		backoff += jitter
	}

	return backoff
}

// ExecuteWithRetry executes fn with retry logic. It returns fn's result on
// success, the original error immediately when it is non-retryable, and
// ErrMaxRetriesExceeded wrapping the last error once the ceiling is reached.
// The attempt count actually performed is always returned.
func (rp *RetryPolicy) ExecuteWithRetry(ctx context.Context, fn func(context.Context) (any, error)) (any, int, error) {
	var lastErr error

	for attempt := 0; attempt <= rp.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		default:
		}

		value, err := fn(ctx)
		if err == nil {
			return value, attempt + 1, nil
		}
		lastErr = err

		if !rp.ShouldRetry(err, attempt) {
			if attempt >= rp.config.MaxRetries && IsRetryable(err) {
				return nil, attempt + 1, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
			}
			return nil, attempt + 1, err
		}

		backoff := rp.CalculateBackoff(attempt)
		select {
		case <-ctx.Done():
			return nil, attempt + 1, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, rp.config.MaxRetries + 1, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

// FatalError marks a handler failure as non-retryable. The fallback path
// aborts immediately when it sees one.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err so the retry policy treats it as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err was declared fatal by the handler.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsRetryable determines if an error should trigger a retry. Timeouts and
// transient I/O faults are retryable; declared-fatal failures and context
// cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"temporary failure",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
