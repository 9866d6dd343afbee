// Package retry provides bounded exponential-backoff retries for transient
// I/O errors (Matrix sends, room joins, store writes).
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{Attempts: 3, Delay: time.Second}, func() error {
//	    return client.Send()
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// Attempts is the total number of attempts, including the first.
	// Zero or negative means a single attempt (no retries).
	Attempts int
	// Delay is the wait before the second attempt; it doubles after every
	// failed attempt, capped at MaxDelay.
	Delay time.Duration
	// MaxDelay caps the per-attempt wait. Zero means no cap.
	MaxDelay time.Duration
}

// DefaultConfig suits short-lived network calls.
var DefaultConfig = Config{
	Attempts: 3,
	Delay:    500 * time.Millisecond,
	MaxDelay: 10 * time.Second,
}

// Do calls fn until it succeeds, the attempt budget is exhausted, or ctx is
// cancelled. The error of the last attempt is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultConfig.Delay
	}

	delay := cfg.Delay
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.Attempts {
			break
		}

		slog.Debug("retry: attempt failed",
			"attempt", attempt, "max", cfg.Attempts, "err", lastErr, "delay", delay)
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
