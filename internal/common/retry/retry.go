// Package retry wraps cenkalti/backoff with the retry policy used across
// Sibyl: exponential backoff with jitter, bounded attempts, and retries
// only for errors explicitly marked transient.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	RandomizationFactor float64
	// MaxAttempts counts the first call plus retries.
	MaxAttempts uint64
}

// Default is the store-facing policy: base 0.5s, cap 30s, ±25% jitter,
// five attempts total.
var Default = Policy{
	InitialInterval:     500 * time.Millisecond,
	MaxInterval:         30 * time.Second,
	RandomizationFactor: 0.25,
	MaxAttempts:         5,
}

type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient marks err as retryable. Unmarked errors fail immediately.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) is marked transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Do runs op under the default policy.
func Do(ctx context.Context, op func() error) error {
	return Default.Do(ctx, op)
}

// Do runs op, retrying transient errors until the policy is exhausted or
// the context is cancelled. The last error is returned unwrapped of its
// transient marker.
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(wrapped, backoff.WithMaxRetries(backoff.WithContext(b, ctx), attempts-1))
	var t *transientError
	if errors.As(err, &t) {
		return t.err
	}
	return err
}
