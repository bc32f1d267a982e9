package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures [Retry].
type RetryPolicy struct {
	// InitialInterval is the first wait. Default: 500ms.
	InitialInterval time.Duration

	// MaxInterval caps any single wait. Default: 10s.
	MaxInterval time.Duration

	// MaxElapsedTime bounds the whole retry loop. Zero means no bound beyond
	// MaxAttempts and the context.
	MaxElapsedTime time.Duration

	// MaxAttempts bounds the number of calls, the first included. Zero means
	// unlimited.
	MaxAttempts int
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = p.MaxElapsedTime
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.Reset()

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Retry calls op until it returns nil, returns a [Permanent] error, or the
// policy is exhausted. notify, if non-nil, is called before every wait with
// the failed attempt's error and the upcoming delay. The error of the last
// attempt is returned, so [IsPermanent] still works on it.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	operation := func() error {
		err := op(ctx)
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var n backoff.Notify
	if notify != nil {
		n = backoff.Notify(notify)
	}
	return backoff.RetryNotify(operation, policy.backOff(ctx), n)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Permanent errors also do not
// count against circuit breakers. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked with
// [Permanent].
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
