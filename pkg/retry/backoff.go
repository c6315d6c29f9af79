// Package retry provides bounded retry loops with optional exponential backoff.
//
// Two shapes of policy are used in s3watcher:
//   - Exponential backoff with jitter, used by the object-store wrappers for
//     transient S3 errors.
//   - A fixed number of immediate attempts (zero intervals), used for the
//     delivery stage of a transfer run.
//
// # Usage
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: 100 * time.Millisecond,
//		MaxInterval:     5 * time.Second,
//		Multiplier:      2.0,
//		Jitter:          true,
//		MaxRetries:      4,
//	}
//
//	attempts, err := retry.Do(ctx, cfg, func(attempt int) error {
//		return makeAPICall()
//	})
//
// Wrap an error with Stop to end the loop early without further attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/s3watcher/logger"
	"github.com/migadu/s3watcher/pkg/metrics"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
	OperationName   string
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
		OperationName:   "default",
	}
}

// Immediate returns a policy of maxAttempts total attempts with no delay
// between them.
func Immediate(name string, maxAttempts int) BackoffConfig {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return BackoffConfig{
		MaxRetries:    maxAttempts - 1,
		OperationName: name,
	}
}

// MaxAttempts is the total number of attempts the policy allows, including the first.
func (c BackoffConfig) MaxAttempts() int {
	if c.MaxRetries < 0 {
		return 1
	}
	return c.MaxRetries + 1
}

func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if config.InitialInterval <= 0 {
			return 0
		}
		if attempt <= 0 {
			return config.InitialInterval
		}

		multiplier := config.Multiplier
		if multiplier < 1 {
			multiplier = 1
		}
		interval := float64(config.InitialInterval) * math.Pow(multiplier, float64(attempt-1))

		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
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

// AttemptFunc receives the 1-based attempt number.
type AttemptFunc func(attempt int) error

type RetryableFunc func() error

// Do runs fn until it succeeds, returns a StopError, the attempt budget is
// spent, or ctx is done. It reports how many attempts were made.
func Do(ctx context.Context, config BackoffConfig, fn AttemptFunc) (int, error) {
	backoff := ExponentialBackoff(config)
	maxAttempts := config.MaxAttempts()

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := wait(ctx, backoff(attempt-1)); err != nil {
				return attempts, fmt.Errorf("retry cancelled by context after %d attempts: %w", attempts, err)
			}
			metrics.RetryAttemptsTotal.WithLabelValues(config.OperationName).Inc()
		}

		attempts = attempt
		err := fn(attempt)
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		var stopErr StopError
		if errors.As(err, &stopErr) {
			logger.Debug("Retry: stop requested", "operation", config.OperationName, "attempt", attempt, "error", stopErr.Err)
			return attempts, stopErr.Err
		}
		logger.Debug("Retry: attempt failed", "operation", config.OperationName, "attempt", attempt, "max_attempts", maxAttempts, "error", err)
	}

	return attempts, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// WithRetry is Do for callers that do not care about the attempt number.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	_, err := Do(ctx, config, func(int) error { return fn() })
	return err
}

func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}
