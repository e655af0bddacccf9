// Package retry implements exponential backoff with jitter for transient
// remote failures.
package retry

import (
	"context"
	"math/rand"
	"time"

	cerrors "github.com/cloudmount/cloudmount/internal/errors"
	"github.com/rs/zerolog/log"
)

// Func is an operation that can be retried.
type Func func() error

// Config controls backoff shape and which errors are retryable.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	Retryable    func(error) bool
}

// DefaultConfig retries transient remote errors (network, 5xx, 429) up to
// three times, matching the default max_retry_count in settings.json.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
		Retryable:    cerrors.IsTransient,
	}
}

// WithMaxRetries returns a copy of cfg with MaxRetries overridden, used to
// thread settings.json's sync_config.max_retry_count through.
func (c Config) WithMaxRetries(n int) Config {
	c.MaxRetries = n
	return c
}

// Do retries op until it succeeds, a non-retryable error is returned, the
// retry budget is exhausted, or ctx is cancelled.
func Do(ctx context.Context, op Func, cfg Config) error {
	delay := cfg.InitialDelay
	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !cfg.Retryable(err) || attempt == cfg.MaxRetries {
			return err
		}

		jitter := time.Duration(rand.Float64() * float64(delay) * cfg.Jitter)
		wait := delay + jitter

		log.Warn().Err(err).Int("attempt", attempt+1).Int("maxRetries", cfg.MaxRetries).
			Dur("delay", wait).Msg("retrying after transient failure")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return cerrors.Wrap(ctx.Err(), "retry cancelled")
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return err
}

// Backoff returns the delay that would be used before retry attempt n
// (0-indexed), without jitter. Used by queue workers to compute a
// deterministic updated_at for a delayed pending entry.
func Backoff(cfg Config, n int) time.Duration {
	delay := cfg.InitialDelay
	for i := 0; i < n; i++ {
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	return delay
}
