// Package retry implements bounded retry with fixed or exponential delay.
// Operations opt out of further attempts by returning a PermanentError.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config controls the retry schedule.
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// Delay is the base wait between attempts.
	Delay time.Duration

	// Factor multiplies the delay after each attempt. 1 keeps it fixed.
	Factor float64

	// MaxDelay caps the grown delay. Zero means uncapped.
	MaxDelay time.Duration

	// Jitter is the fraction (0..1) of random variation applied to each
	// wait.
	Jitter float64
}

// Fixed returns a fixed-delay schedule, the discipline used for transient
// LLM failures.
func Fixed(maxAttempts int, delay time.Duration) Config {
	return Config{MaxAttempts: maxAttempts, Delay: delay, Factor: 1}
}

// Exponential returns a doubling schedule capped at max.
func Exponential(maxAttempts int, initial, max time.Duration) Config {
	return Config{MaxAttempts: maxAttempts, Delay: initial, Factor: 2, MaxDelay: max, Jitter: 0.1}
}

func (c Config) sanitized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.Factor < 1 {
		c.Factor = 1
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	return c
}

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the non-retryable marker.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Do runs op until it succeeds, returns a permanent error, the context
// ends, or attempts are exhausted. op receives the 1-based attempt number
// so callers can log it.
func Do(ctx context.Context, cfg Config, op func(attempt int) error) error {
	cfg = cfg.sanitized()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op(attempt)
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(cfg.wait(attempt)):
		}
	}
	return lastErr
}

// DoWithValue is Do for operations returning a value.
func DoWithValue[T any](ctx context.Context, cfg Config, op func(attempt int) (T, error)) (T, error) {
	var value T
	err := Do(ctx, cfg, func(attempt int) error {
		v, err := op(attempt)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}

// wait computes the delay after the given 1-based attempt.
func (c Config) wait(attempt int) time.Duration {
	d := float64(c.Delay)
	for i := 1; i < attempt; i++ {
		d *= c.Factor
	}
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
