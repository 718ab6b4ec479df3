package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryConfig configures [Retry].
type RetryConfig struct {
	// Attempts is the total number of tries, including the first. Default: 3.
	Attempts int

	// Delay is the fixed pause between tries. Zero retries immediately.
	Delay time.Duration
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that [Retry] gives up immediately. Retry returns
// the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a [Permanent] error, the attempts
// are used up or ctx is done. attempt starts at 1. Every try gets the same
// ctx; per-attempt deadlines are fn's business.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, lastErr)
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(lastErr, &pe) {
			return pe.err
		}
		if attempt == cfg.Attempts {
			break
		}
		if cfg.Delay > 0 {
			t := time.NewTimer(cfg.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(ctx.Err(), lastErr)
			case <-t.C:
			}
		}
	}
	return fmt.Errorf("resilience: giving up after %d attempts: %w", cfg.Attempts, lastErr)
}
