// Package retry runs an operation a bounded number of times with
// exponential backoff between attempts.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/orchestra-mcp/wsharness/src/clock"
)

// Config holds configuration for retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the first attempt
	// (0 means a single attempt).
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BackoffFactor multiplies the backoff after each retry (default 2.0).
	BackoffFactor float64

	// Jitter waits backoff + rand(0, backoff) instead of backoff.
	Jitter bool

	// BackoffFirst waits InitialBackoff before the first attempt too.
	BackoffFirst bool

	// Clock drives the waits; nil means the real clock.
	Clock clock.Clock
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
	}
}

// IsRetryableFunc determines if an error should trigger a retry.
type IsRetryableFunc func(error) bool

// OnRetryFunc is called before each wait. attempt is the 1-indexed
// number of the attempt about to run.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Always retries every error.
func Always(error) bool { return true }

// Do calls fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent. fn receives the 1-indexed attempt number.
func Do[T any](
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func(attempt int) (T, error),
) (T, error) {
	var zero T
	var lastErr error

	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 10 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if isRetryable == nil {
		isRetryable = Always
	}

	backoff := cfg.InitialBackoff
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		if attempt > 1 || cfg.BackoffFirst {
			wait := backoff
			if cfg.Jitter {
				wait += time.Duration(rand.Int63n(int64(backoff)))
			}
			if onRetry != nil {
				onRetry(attempt, lastErr, wait)
			}
			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("context cancelled while retrying: %w", ctx.Err())
			case <-cfg.Clock.After(wait):
			}
			backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}

		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

// DoVoid is like Do but for functions that don't return a value.
func DoVoid(
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func(attempt int) error,
) error {
	_, err := Do(ctx, cfg, isRetryable, onRetry, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}
