package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config controls exponential backoff with full jitter:
// delay = rand[0, min(InitialDelay * Multiplier^attempt, MaxDelay)).
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// RetryIf decides whether err is worth another attempt. nil retries everything.
	RetryIf func(error) bool

	// MinDelay lets an error demand a longer wait, e.g. a Retry-After header.
	MinDelay func(error) time.Duration

	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig: 3 retries, 500ms base, factor 2.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

func (c *Config) validate() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
}

// Backoff returns the jittered delay before retry number attempt (0-based).
func (c Config) Backoff(attempt int) time.Duration {
	c.validate()
	ceiling := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if ceiling > float64(c.MaxDelay) {
		ceiling = float64(c.MaxDelay)
	}
	return time.Duration(rand.Float64() * ceiling)
}

// DoWithResult runs operation until it succeeds, RetryIf rejects the error,
// the retries are used up or ctx is done. The last error is returned.
func DoWithResult[T any](ctx context.Context, cfg Config, operation func() (T, error)) (T, error) {
	cfg.validate()

	var zero T
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !RetryIfNotContext(err) || (cfg.RetryIf != nil && !cfg.RetryIf(err)) {
			return zero, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.Backoff(attempt)
		if cfg.MinDelay != nil {
			if floor := cfg.MinDelay(err); floor > delay {
				delay = floor
			}
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func Do(ctx context.Context, cfg Config, operation func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, operation()
	})
	return err
}

// RetryIfNotContext never retries cancellation or deadline errors.
func RetryIfNotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
