// Package retry wraps flaky external calls with bounded exponential retries
// and an overall deadline.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when the total deadline elapses before a call succeeds.
var ErrTimeout = errors.New("timeout")

// Policy bounds a retry loop
type Policy struct {
	Attempts  int           // total attempts including the first, default 3
	BaseDelay time.Duration // delay before the second attempt, default 200ms
	MaxDelay  time.Duration // cap for a single backoff, default 5s
	Deadline  time.Duration // total budget, zero means no extra deadline
}

// permanent marks errors that must not be retried
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

// Backoff returns the delay before attempt n (n starting at 1 for the first retry)
func (p Policy) Backoff(n int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Do calls fn until it succeeds, returns a permanent error, attempts run out,
// or the deadline passes. A deadline miss is reported as ErrTimeout wrapping
// the last error seen.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	var last error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return timeoutError(err, last)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err

		if attempt == p.Attempts {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return timeoutError(ctx.Err(), last)
		case <-timer.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", p.Attempts, last)
}

func timeoutError(ctxErr, last error) error {
	if errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	if last != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, last)
	}
	return ErrTimeout
}
