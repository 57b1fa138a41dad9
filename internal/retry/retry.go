// Package retry provides a generic bounded-retry helper with exponential
// backoff, used by I/O that may fail transiently (§7 IOFailure).
package retry

import (
	"context"
	"time"
)

// Operation is a unit of work that may be retried.
type Operation func(ctx context.Context) error

// Config controls retry timing.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	RetryIf      func(err error) bool
	OnRetry      func(attempt int, err error, next time.Duration)
}

// DefaultConfig returns a conservative five-attempt, doubling backoff
// starting at 100ms and capped at 10s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// Option mutates a Config.
type Option func(*Config)

func WithMaxAttempts(n int) Option            { return func(c *Config) { c.MaxAttempts = n } }
func WithInitialDelay(d time.Duration) Option { return func(c *Config) { c.InitialDelay = d } }
func WithMaxDelay(d time.Duration) Option     { return func(c *Config) { c.MaxDelay = d } }
func WithMultiplier(m float64) Option         { return func(c *Config) { c.Multiplier = m } }
func WithRetryIf(f func(error) bool) Option   { return func(c *Config) { c.RetryIf = f } }
func WithOnRetry(f func(int, error, time.Duration)) Option {
	return func(c *Config) { c.OnRetry = f }
}

// Do runs op, retrying on failure per the configured backoff until
// MaxAttempts is exhausted, ctx is cancelled, or RetryIf rejects the error.
// Returns the last error encountered.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := calculateDelay(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

func calculateDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.Multiplier
	}

	d := time.Duration(delay)
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
