package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls the collector's cool-down after repeated failures.
type BackoffConfig struct {
	// Base is the delay for the first backoff step. Default: 1m.
	Base time.Duration

	// Max caps the backoff duration. Default: 6h.
	Max time.Duration

	// Multiplier scales the backoff per step. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%). Default: 0.25.
	JitterFraction float64
}

// DefaultBackoffConfig returns a sensible cool-down configuration for a
// long-lived background collector.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:           time.Minute,
		Max:            6 * time.Hour,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Backoff computes the cool-down delay for the given step (0-based),
// exponential with jitter, capped at cfg.Max. The collector never stops
// permanently: the delay plateaus and fetching resumes as soon as the
// source recovers.
func Backoff(step int, cfg BackoffConfig) time.Duration {
	cfg = applyDefaults(cfg)

	delay := float64(cfg.Base) * math.Pow(cfg.Multiplier, float64(step))
	if delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}

	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		jitter := (rand.Float64()*2 - 1) * jitterRange // [-jitterRange, +jitterRange]
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	if delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	return time.Duration(delay)
}

func applyDefaults(cfg BackoffConfig) BackoffConfig {
	if cfg.Base <= 0 {
		cfg.Base = time.Minute
	}
	if cfg.Max <= 0 {
		cfg.Max = 6 * time.Hour
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}
