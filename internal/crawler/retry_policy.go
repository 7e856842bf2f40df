package crawler

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds retries of transient platform failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Retryable decides whether err is worth another attempt. Rate limits and bans
// are scheduling directives handled by the caller, never retried here.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if _, ok := AsRateLimited(err); ok {
		return false
	}
	if _, ok := AsBanned(err); ok {
		return false
	}
	if errors.Is(err, ErrTransientNetwork) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	return b
}

func (p RetryPolicy) attempts() uint {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return uint(p.MaxAttempts)
}

// Retry runs op until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The last error is returned unchanged.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.attempts()),
		backoff.WithMaxElapsedTime(0),
	)
}
