package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config defines retry behavior
type Config struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterEnabled bool
}

// LedgerConfig is tuned for short optimistic-concurrency loops: a handful of
// attempts with sub-10ms pauses.
func LedgerConfig() Config {
	return Config{
		MaxAttempts:   8,
		InitialDelay:  500 * time.Microsecond,
		MaxDelay:      8 * time.Millisecond,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

// ErrExhausted wraps the last error once every attempt has been used.
var ErrExhausted = errors.New("retries exhausted")

// Retryable marks errors that should trigger another attempt. Any other
// error returned by fn stops the loop immediately.
type Retryable func(err error) bool

// Do runs fn until it succeeds, returns a non-retryable error, the context is
// done, or attempts run out.
func Do(ctx context.Context, cfg Config, retryable Retryable, fn func(attempt int) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := Backoff(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, cfg.MaxAttempts, lastErr)
}

// Backoff returns the pause before the attempt after the given one.
func Backoff(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	// Add jitter to prevent thundering herd
	if cfg.JitterEnabled {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}
