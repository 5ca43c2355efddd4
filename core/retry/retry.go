package retry

import (
	"context"
	"time"
)

const (
	// DefaultMaxRetries is the number of attempts, including the first one
	DefaultMaxRetries = 3

	// DefaultDelay is the base wait; attempt n waits DefaultDelay*n
	DefaultDelay = time.Second
)

// Operation is a unit of work that may fail transiently
type Operation func(ctx context.Context) error

// Config controls retry behaviour
type Config struct {
	MaxRetries int
	Delay      time.Duration
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries: DefaultMaxRetries,
		Delay:      DefaultDelay,
	}
}

// Do runs op until it succeeds or MaxRetries attempts have failed, waiting
// Delay*attempt between attempts (linear backoff). The last error is
// returned when attempts run out. A cancelled ctx aborts the pending wait
// and returns ctx.Err().
func Do(ctx context.Context, cfg Config, op Operation) error {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxRetries {
			break
		}

		timer := time.NewTimer(cfg.Delay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
