package utils

import (
	"context"
	"math/rand"
	"time"
)

// BackoffConfig controls exponential retry pacing.
// Defaults are tuned for provider HTTP calls: start fast, cap quickly.
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay randomized, 0..1
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	out := c
	if out.Base <= 0 {
		out.Base = 500 * time.Millisecond
	}
	if out.Max <= 0 {
		out.Max = 30 * time.Second
	}
	if out.Jitter < 0 || out.Jitter > 1 {
		out.Jitter = 0.2
	}
	return out
}

// Delay returns the backoff delay for a 0-based attempt number.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	d := c.Base << uint(attempt)
	if d > c.Max || d <= 0 {
		d = c.Max
	}
	if c.Jitter > 0 {
		spread := float64(d) * c.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	return d
}

// SleepBackoff waits for the attempt's delay or until ctx is done.
func SleepBackoff(ctx context.Context, cfg BackoffConfig, attempt int) error {
	t := time.NewTimer(cfg.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
