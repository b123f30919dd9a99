// Package retry holds the one backoff policy shared by the fetch proxy, the
// HLS fragment ladder and the player's session scheduler.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrExhausted is returned by Do when the policy allows no attempt at all.
var ErrExhausted = errors.New("retry budget exhausted")

// Policy describes an exponential backoff: delay n is BaseDelay*Factor^n,
// capped at MaxDelay when it is set. Timeout/TimeoutStep describe the
// escalating per-attempt deadline used by blocking callers.
type Policy struct {
	MaxAttempts int           // Total attempts allowed; <= 0 means unlimited
	BaseDelay   time.Duration // Delay before the first retry
	Factor      float64       // Growth per retry; values < 1 are treated as 1
	MaxDelay    time.Duration // Upper bound on a single delay; 0 disables the cap
	Timeout     time.Duration // Deadline of the first attempt; 0 means none
	TimeoutStep time.Duration // Added to the deadline for each further attempt
}

// Delay returns the wait before retry n (zero-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(p.BaseDelay) * math.Pow(factor, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// AttemptTimeout returns the deadline for attempt n (zero-based).
func (p Policy) AttemptTimeout(n int) time.Duration {
	if p.Timeout <= 0 {
		return 0
	}
	return p.Timeout + time.Duration(n)*p.TimeoutStep
}

// Allows reports whether another attempt may follow the given number of
// attempts already made.
func (p Policy) Allows(made int) bool {
	return p.MaxAttempts <= 0 || made < p.MaxAttempts
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was produced by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option customises Do.
type Option func(*options)

type options struct {
	sleep   SleepFunc
	onRetry func(attempt int, delay time.Duration, err error)
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(o *options) { o.sleep = fn }
}

// WithOnRetry registers a hook called before each wait.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do calls fn until it succeeds, returns a Permanent error, the policy runs
// out of attempts or ctx ends. The last error from fn is returned as-is, so
// callers can surface the upstream message unchanged.
func Do(ctx context.Context, p Policy, fn func(attempt int) error, opts ...Option) error {
	o := options{sleep: sleepContext}
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error
	for attempt := 0; p.Allows(attempt); attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if !p.Allows(attempt + 1) {
			break
		}

		delay := p.Delay(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt, delay, err)
		}
		if err := o.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}

	if lastErr == nil {
		return ErrExhausted
	}
	return lastErr
}
