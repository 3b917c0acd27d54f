// Package retry provides exponential backoff for transient failures,
// such as storage writes contending with a concurrent reader.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config defines the backoff behavior.
type Config struct {
	// MaxRetries is the maximum number of attempts. Must be positive.
	MaxRetries int

	// InitialBackoff is the base backoff; attempt n waits
	// InitialBackoff * 2^(n-1).
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff. Zero means uncapped.
	MaxBackoff time.Duration

	// Jitter adds randomness to the backoff (0.0 to 1.0), growing with
	// the attempt number.
	Jitter float64
}

// ShouldRetryFunc reports whether an error is worth retrying. A nil
// func retries everything.
type ShouldRetryFunc func(error) bool

// Do executes fn with exponential backoff, respecting context
// cancellation during both execution and backoff. When retries are
// exhausted, the last error is wrapped with the attempt count.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffFor(cfg, attempt)):
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			if shouldRetry != nil && !shouldRetry(err) {
				return err
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("after %d attempts: %w", cfg.MaxRetries, lastErr)
}

func backoffFor(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		amount := backoff * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries)
		backoff += rand.Float64() * amount
	}
	return time.Duration(backoff)
}
