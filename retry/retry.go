package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	perrors "github.com/jrsteele09/go-portal-auth/internal/errors"
)

// Policy bounds how often and how quickly a failing operation is re-attempted.
type Policy struct {
	MaxAttempts    int           // total tries including the first; values < 1 mean 1
	InitialBackoff time.Duration // delay before the second try
	MaxBackoff     time.Duration // upper bound for any single delay
	Multiplier     float64       // growth factor between delays
	Jitter         float64       // randomization factor in [0,1]
}

// DefaultPolicy returns three attempts with a short exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

// NoRetry returns a policy that makes exactly one attempt.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

func (p Policy) attempts() uint {
	if p.MaxAttempts < 1 {
		return 1
	}
	return uint(p.MaxAttempts)
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.RandomizationFactor = p.Jitter
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.MaxBackoff
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	return b
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsRetryable reports whether err is a transient failure. Not-found results,
// credential failures, cancellation and errors marked Permanent are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var permanent *backoff.PermanentError
	switch {
	case errors.As(err, &permanent),
		errors.Is(err, perrors.ErrNotFound),
		perrors.IsAuthFailure(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// AttemptHook observes every attempt with its 1-based number and result.
type AttemptHook func(attempt int, err error)

type options struct {
	onAttempt AttemptHook
	onRetry   func(err error, next time.Duration)
}

type Option func(*options)

// WithAttemptHook registers a callback invoked after every attempt.
func WithAttemptHook(hook AttemptHook) Option {
	return func(o *options) {
		o.onAttempt = hook
	}
}

// WithRetryNotify registers a callback invoked before sleeping for a retry.
func WithRetryNotify(notify func(err error, next time.Duration)) Option {
	return func(o *options) {
		o.onRetry = notify
	}
}

// Do runs op until it succeeds, returns a non-retryable error, the policy's
// attempts are exhausted, or ctx is done. The returned error is the last
// error from op (never a Permanent wrapper) or the context's cause.
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if o.onAttempt != nil {
			o.onAttempt(attempt, err)
		}
		if err != nil && !IsRetryable(err) {
			var permanent *backoff.PermanentError
			if errors.As(err, &permanent) {
				return v, err
			}
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(policy.attempts()),
		backoff.WithMaxElapsedTime(0),
	}
	if o.onRetry != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(o.onRetry))
	}

	v, err := backoff.Retry(ctx, operation, retryOpts...)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return v, err
}
