// Package retry re-runs operations that failed with a transient storage error.
package retry

import (
	"context"
	"errors"
	"time"

	"gatehouse/pkg/platform/sentinel"
)

// Policy bounds a retry loop. Delay doubles after each failed attempt.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// Retryable decides whether err is worth another attempt. Defaults to
	// errors.Is(err, sentinel.ErrUnavailable).
	Retryable func(error) bool
}

// Default is three attempts starting at 20ms.
var Default = Policy{Attempts: 3, BaseDelay: 20 * time.Millisecond}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// attempts, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	delay := p.BaseDelay
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}

// IsTransient reports whether err is a storage outage.
func IsTransient(err error) bool {
	return errors.Is(err, sentinel.ErrUnavailable)
}
