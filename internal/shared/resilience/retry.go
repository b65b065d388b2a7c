package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
)

// RetryConfig controls the retry loop. The zero value is not usable; start
// from DefaultRetryConfig.
type RetryConfig struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         bool
	RetryableError func(error) bool
}

// DefaultRetryConfig is the kernel-wide retry policy: at most two retries
// with exponential backoff from 2s capped at 30s, retrying only errors the
// taxonomy marks retryable.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     2,
		InitialDelay:   2 * time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
		RetryableError: errs.IsRetryable,
	}
}

// Retry runs fn until it succeeds, exhausts the retry budget, or hits a
// non-retryable error. Context cancellation stops the loop between
// attempts and during backoff sleeps.
func Retry(ctx context.Context, cfg *RetryConfig, fn func() error) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.FromContext(ctx)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.RetryableError != nil && !cfg.RetryableError(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		sleep := delay
		if cfg.Jitter {
			sleep += time.Duration(rand.Float64() * float64(delay) * 0.3)
		}
		select {
		case <-ctx.Done():
			return errs.FromContext(ctx)
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("giving up after %d retries: %w", cfg.MaxRetries, lastErr)
}

// RetryWithResult runs a value-returning fn under the same policy.
func RetryWithResult[T any](ctx context.Context, cfg *RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	err := Retry(ctx, cfg, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	return result, err
}
