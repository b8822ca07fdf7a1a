package oauth

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds retries of transient token endpoint failures.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy makes up to three attempts.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// Retry runs op until it succeeds, returns a non-transient error or the
// policy runs out of attempts. Only TransportErrors are retried; a
// protocol error is returned on the first attempt.
func Retry[T any](ctx context.Context, policy RetryPolicy, logger *slog.Logger, op func() (T, error)) (T, error) {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}

	expBackoff := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		expBackoff.InitialInterval = policy.InitialInterval
	}

	if policy.MaxInterval > 0 {
		expBackoff.MaxInterval = policy.MaxInterval
	}

	expBackoff.Reset()

	attempt := 0
	operation := func() (T, error) {
		attempt++

		result, err := op()
		if err != nil && !IsTransient(err) {
			return result, backoff.Permanent(err)
		}

		return result, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(policy.MaxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warn("transient token endpoint failure, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", d),
				slog.String("error", err.Error()),
			)
		}),
	)
}
