package resilience

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultBackoffBase is the initial retry delay.
	DefaultBackoffBase = 1 * time.Second
	// DefaultBackoffCap bounds the exponential backoff.
	DefaultBackoffCap = 30 * time.Second
	// DefaultMaxRetries is the per-call retry budget.
	DefaultMaxRetries = 3
)

// RetryConfig tunes Retry for one call site.
type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Timeout     time.Duration
}

// DefaultRetryConfig returns the standard retry parameters for radio calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  DefaultMaxRetries,
		BackoffBase: DefaultBackoffBase,
		BackoffCap:  DefaultBackoffCap,
		Timeout:     10 * time.Second,
	}
}

// Retry runs op with per-attempt timeout and exponential backoff on transient
// errors. Permanent errors fail immediately; NCP failures are handed to the
// supervisor (if any) and fail the call with the distinguished error kind.
func Retry(ctx context.Context, sup *Supervisor, cfg RetryConfig, name string, op func(ctx context.Context) error) error {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}

	var lastErr error
	backoff := cfg.BackoffBase

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err

		switch Classify(err) {
		case KindPermanent:
			log.Debug().Err(err).Str("op", name).Msg("Permanent stack error, not retrying")
			return err
		case KindNcpFailure:
			if sup != nil {
				sup.HandleNcpFailure(err)
			}
			return err
		}

		if attempt == cfg.MaxRetries {
			break
		}

		log.Debug().
			Err(err).
			Str("op", name).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Transient stack error, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > cfg.BackoffCap {
			backoff = cfg.BackoffCap
		}
	}

	return lastErr
}

// RetryResult is the generic variant of Retry for operations that return a value.
func RetryResult[T any](ctx context.Context, sup *Supervisor, cfg RetryConfig, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, sup, cfg, name, func(ctx context.Context) error {
		var opErr error
		out, opErr = op(ctx)
		return opErr
	})
	return out, err
}
