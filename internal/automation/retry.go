package automation

import (
	"context"
	"errors"

	"uniapply-backend/internal/browser"

	"github.com/cenkalti/backoff/v4"
)

func (c RetryConfig) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1)), ctx)
}

// retry runs an idempotent page action with bounded jittered backoff. A
// missing selector is not retried, the page timeout already waited for it.
func retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, browser.ErrNotFound) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, cfg.backoff(ctx))
}
