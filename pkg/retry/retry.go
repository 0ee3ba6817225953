package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts  int           // Maximum number of retries after the first attempt
	InitialDelay time.Duration // Initial delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Exponential backoff multiplier (typically 2.0)
	Jitter       bool          // Add random jitter to prevent thundering herd
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Permanent marks err so Do stops retrying immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do executes fn with exponential backoff until it succeeds, returns a
// permanent error, MaxAttempts is exhausted or ctx is done. notify is called
// before every wait and may be nil.
func Do(ctx context.Context, cfg Config, fn func() error, notify func(err error, wait time.Duration)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier
	b.MaxElapsedTime = 0
	if !cfg.Jitter {
		b.RandomizationFactor = 0
	}
	b.Reset()

	var policy backoff.BackOff = b
	if cfg.MaxAttempts >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts))
	}

	err := backoff.RetryNotify(fn, backoff.WithContext(policy, ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("retry cancelled: %w", ctxErr)
	}
	return err
}
