package upstream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nicktill/tinyfarm/pkg/config"
)

// RetryPolicy bounds how often a failed upstream call is repeated.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy retries twice, doubling from config.UpstreamRetryWait.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      config.UpstreamMaxRetries,
		InitialInterval: config.UpstreamRetryWait,
		MaxInterval:     config.UpstreamRetryMaxWait,
		Multiplier:      2,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	return b
}

// retry runs op until it succeeds, returns a permanent error, or the policy
// is exhausted. Only ErrUpstreamUnavailable is worth repeating.
func retry[T any](ctx context.Context, p RetryPolicy, log *slog.Logger, op func() (T, error)) (T, error) {
	tries := uint(1)
	if p.MaxRetries > 0 {
		tries += uint(p.MaxRetries)
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, ErrUpstreamUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(p.backOff()), backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Debug("Upstream call failed, retrying", "error", err, "wait", wait)
		}))
}
