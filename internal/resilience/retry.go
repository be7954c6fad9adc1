package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts       int           // Maximum number of attempts, the first one included
	InitialBackoff    time.Duration // Initial backoff duration
	MaxBackoff        time.Duration // Maximum backoff duration
	BackoffMultiplier float64       // Multiplier for exponential backoff
	Jitter            bool          // Add up to 25% random jitter to each backoff
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// IsRetryableError checks if an error is retryable
type IsRetryableError func(error) bool

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. The last error is returned.
func Retry(ctx context.Context, fn RetryableFunc, config *RetryConfig, isRetryable IsRetryableError) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		sleep := CalculateBackoff(attempt, config.InitialBackoff, config.MaxBackoff, config.BackoffMultiplier)
		if config.Jitter && sleep > 0 {
			sleep += time.Duration(rand.Int63n(int64(sleep)/4 + 1))
			if sleep > config.MaxBackoff {
				sleep = config.MaxBackoff
			}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
	return lastErr
}

// CalculateBackoff calculates the backoff duration for a given attempt
func CalculateBackoff(attempt int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(attempt)))
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

var retryableFragments = []string{
	// Connection errors
	"connection refused",
	"connection reset",
	"connection closed",
	"broken pipe",
	"transport is closing",
	"unavailable",
	"network is unreachable",
	"no route to host",
	"unexpected eof",
	// Timeouts
	"deadline exceeded",
	"timeout",
	// Resource exhaustion (may be temporary)
	"resource exhausted",
	"too many connections",
	"rate limit",
}

// IsRetryableNetworkError reports whether err looks like a transient network
// failure worth another attempt.
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if IsRetryable(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// RetryableError wraps an error to indicate it's retryable
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable checks if an error is a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
