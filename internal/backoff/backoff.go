// Package backoff implements the retry envelope used for every
// transient backend interaction: exponential delays starting at 500ms
// and doubling per attempt, three attempts total, aborted as soon as the
// request context is done.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy describes one retry envelope.
type Policy struct {
	// Initial is the delay before the second attempt; attempt i waits
	// Initial * 2^(i-1).
	Initial time.Duration
	// MaxAttempts bounds the total number of attempts, first included.
	MaxAttempts int
}

// Default matches the service-wide envelope: 0.5s, 1s between three
// attempts.
func Default() Policy {
	return Policy{Initial: 500 * time.Millisecond, MaxAttempts: 3}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retriable; Retry unwraps it and
// returns the original error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs op under the policy. It returns nil on the first success,
// the unwrapped error on a permanent failure, the last error once
// attempts are exhausted, or a context error (wrapping the last attempt,
// if any) when the context ends first.
func (p Policy) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	initial := p.Initial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}

	var lastErr error
	delay := initial
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return abortErr(err, lastErr)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return abortErr(ctx.Err(), lastErr)
		case <-timer.C:
		}
		delay *= 2
	}
	return lastErr
}

func abortErr(ctxErr, lastErr error) error {
	if lastErr == nil {
		return ctxErr
	}
	return fmt.Errorf("retry aborted after %v: %w", lastErr, ctxErr)
}
