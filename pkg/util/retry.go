package util

import (
	"context"
	"fmt"
	"time"
)

// Backoff returns the delay before retry number attempt (1-indexed):
// initial * 2^(attempt-1), capped at max.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Retry calls fn up to attempts times with exponential backoff between
// calls. It stops early when ctx is done.
func Retry(ctx context.Context, attempts int, initial time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled after %d attempts: %w", i, lastErr)
			case <-time.After(Backoff(i, initial, 0)):
			}
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
