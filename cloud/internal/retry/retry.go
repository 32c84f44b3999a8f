// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int           // total tries including the first; must be >= 1
	Initial     time.Duration // delay after the first failure
	Max         time.Duration // cap on any single delay
}

// DefaultPolicy is used for network writes and object fetches.
var DefaultPolicy = Policy{MaxAttempts: 5, Initial: 50 * time.Millisecond, Max: 2 * time.Second}

// ErrExhausted wraps the last error once MaxAttempts tries have failed.
var ErrExhausted = errors.New("retries exhausted")

// Permanent marks err as non-retryable. Do stops at once and returns err
// unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// BackOff returns the delay schedule for p: doubling from Initial up to Max,
// without jitter, and stopping after MaxAttempts-1 retries.
func (p Policy) BackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.Max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
}

// Do calls fn until it succeeds, returns a Permanent error, the context ends,
// or MaxAttempts is reached. fn receives the 1-based attempt number.
func Do(ctx context.Context, p Policy, what string, fn func(attempt int) error) error {
	if p.MaxAttempts < 1 {
		panic(fmt.Sprintf("retry.Do: MaxAttempts must be >= 1, got %d", p.MaxAttempts))
	}
	attempt := 0
	permanent := false
	op := func() error {
		attempt++
		err := fn(attempt)
		var pe *backoff.PermanentError
		permanent = errors.As(err, &pe)
		return err
	}
	notify := func(err error, delay time.Duration) {
		logrus.Debugf("%s: attempt %d/%d failed (%v), retrying in %s", what, attempt, p.MaxAttempts, err, delay)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(p.BackOff(), ctx), notify)
	switch {
	case err == nil, permanent:
		return err
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	}
	return fmt.Errorf("%s: %w after %d attempts: %w", what, ErrExhausted, attempt, err)
}
