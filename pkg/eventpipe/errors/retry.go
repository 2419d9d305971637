package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures retry behavior for connection-level operations
// such as dialing a broker. Event delivery retries are counted per event by
// the durable queue instead.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// InitialBackoff is the starting backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64
}

// DefaultRetry is the standard retry configuration.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry disables retries.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// Backoff returns the delay before attempt number attempt (1-based, the
// delay after the first failure is Backoff(cfg, 1)), without jitter.
func Backoff(cfg RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * cfg.BackoffFactor)
		if cfg.MaxBackoff > 0 && d > cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}
	return d
}

// Do runs fn until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is done. The returned error is a *CategorizedError
// carrying the number of attempts made.
func Do(ctx context.Context, cfg RetryConfig, op string, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &CategorizedError{Err: err, Category: CategoryPermanent, Retries: attempt - 1, Context: op}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return &CategorizedError{Err: lastErr, Category: CategoryPermanent, Retries: attempt, Context: op}
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return &CategorizedError{Err: ctx.Err(), Category: CategoryPermanent, Retries: attempt, Context: op}
		case <-time.After(withJitter(Backoff(cfg, attempt), cfg.Jitter)):
		}
	}

	return &CategorizedError{
		Err:      lastErr,
		Category: CategoryTransient,
		Retries:  cfg.MaxAttempts,
		Context:  op + ": max retries exceeded",
	}
}

// withJitter returns base +/- (base * jitter * random).
func withJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	delta := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + delta)
}
