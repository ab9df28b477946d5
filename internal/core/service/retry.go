package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the exponential backoff used for compensation and
// cancellation. MaxAttempts counts the first try.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// retry runs op until it succeeds, returns a permanent error, the attempts
// run out or ctx is done. onRetry sees every failed attempt that will be
// retried.
func retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error, onRetry func(attempt int, err error, next time.Duration)) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op(ctx)
	}, p.backOff(ctx), func(err error, next time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err, next)
		}
	})
}

// permanent stops retry immediately and makes it return err.
func permanent(err error) error {
	return backoff.Permanent(err)
}
