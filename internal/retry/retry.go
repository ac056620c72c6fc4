package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted wraps the last transient error once all attempts are spent.
var ErrExhausted = errors.New("retries exhausted")

// transientError marks an error as worth retrying. Anything unmarked (bad
// auth, malformed request, breaker open, cancelled context) fails the call
// immediately.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable: rate limits, timeouts, 5xx responses.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable anywhere in its chain.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Policy bounds one executor. Wait before attempt n is
// InitialBackoff * Multiplier^(n-2), capped at MaxBackoff.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Executor retries one operation under a Policy.
type Executor struct {
	policy Policy
	onWait func(wait time.Duration, err error)
}

type Option func(*Executor)

// WithNotify observes each backoff wait, for logging and for tests.
func WithNotify(fn func(wait time.Duration, err error)) Option {
	return func(e *Executor) { e.onWait = fn }
}

func New(policy Policy, opts ...Option) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	e := &Executor{policy: policy}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs op until it succeeds, returns a non-transient error, the context
// ends, or MaxAttempts is reached. The backoff sequence is deterministic
// (no jitter) so sessions back off exactly as configured.
func (e *Executor) Do(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.policy.InitialBackoff
	bo.MaxInterval = e.policy.MaxBackoff
	bo.Multiplier = e.policy.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

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

	notify := func(err error, wait time.Duration) {
		if e.onWait != nil {
			e.onWait(wait, err)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.policy.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(wrapped, b, notify)
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, e.policy.MaxAttempts, err)
	}
	return err
}
