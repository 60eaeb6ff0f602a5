// Package retry provides exponential backoff retry logic with jitter.
//
// The storage core uses it to retry transient failures: transaction
// conflicts reported by the backend and backend unavailability. Retries are
// bounded; non-retryable errors are wrapped with Stop to halt immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls the retry schedule.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

// DefaultBackoffConfig is tuned for commit conflicts: short initial delay,
// few attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     1 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// ExponentialBackoff returns the delay function for the given config.
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)
		if config.Jitter && duration > 1 {
			jitter := time.Duration(rand.Int63n(int64(duration / 2)))
			duration = duration/2 + jitter
		}
		return duration
	}
}

// StopError wraps an error to indicate that retries should stop immediately.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }
func (s StopError) Unwrap() error { return s.Err }

// Stop wraps an error so WithRetry surfaces it without further attempts.
func Stop(err error) error {
	return StopError{Err: err}
}

// WithRetry runs fn until it succeeds, returns a StopError, or the attempt
// budget is exhausted. The context cancels waits between attempts.
func WithRetry(ctx context.Context, fn func() error, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		var stop StopError
		if errors.As(err, &stop) {
			return stop.Err
		}
		lastErr = err
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}
