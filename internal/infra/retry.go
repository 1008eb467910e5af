package infra

import (
	"context"
	"time"
)

// RetryConfig configures retry behavior for transport-level failures.
type RetryConfig struct {
	// MaxAttempts is the number of retries after the initial attempt.
	MaxAttempts int

	// InitialDelay is the delay before the first retry; delays double
	// on each subsequent retry up to MaxDelay.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// RetryIf decides whether an error is retryable. Nil retries all.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the defaults used by the LLM client.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  1,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
	}
}

// Retry runs fn, retrying per cfg. It returns the last error when all
// attempts fail, and stops early when ctx is cancelled.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= cfg.MaxAttempts {
			return err
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
