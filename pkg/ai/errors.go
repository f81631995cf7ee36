// Package ai provides common types for the external engine clients:
// error classification shared by STT, LLM, and TTS providers, and retry
// configuration for recoverable failures.
package ai

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

var (
	// ErrRecoverable indicates a temporary provider failure that may succeed
	// if retried. Examples: connection drop, timeout, service overload.
	ErrRecoverable = errors.New("recoverable provider error")

	// ErrFatal indicates a permanent provider failure that will not succeed
	// if retried. Examples: malformed request, unsupported configuration.
	ErrFatal = errors.New("fatal provider error")

	// ErrCancelled marks a stream that ended because the pipeline cancelled
	// it. Cancellation is an expected outcome, not a failure, and callers
	// must distinguish it from Err* results.
	ErrCancelled = errors.New("stream cancelled")
)

// IsRecoverable reports whether an error should be retried.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsCancelled reports whether an error is a cancellation result, covering
// both the pipeline sentinel and context cancellation surfaced by clients.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// RetryConfig configures exponential backoff for recoverable errors.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterPercent float64 // 0.0 to 1.0
}

// DefaultRetryConfig matches the STT reconnect contract: 250 ms initial,
// 4 s cap, at most 5 attempts.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   5,
	InitialDelay:  250 * time.Millisecond,
	MaxDelay:      4 * time.Second,
	BackoffFactor: 2.0,
	JitterPercent: 0.1,
}

// Delay returns the backoff delay before the given attempt (0-based),
// with jitter applied.
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= c.BackoffFactor
		if d >= float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	if c.JitterPercent > 0 {
		d += d * c.JitterPercent * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Wait sleeps for the attempt's backoff delay, returning early with the
// context error if cancelled.
func (c RetryConfig) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(c.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classified wraps an error with a retry classification sentinel.
type classified struct {
	err      error
	sentinel error
}

func (e *classified) Error() string   { return e.err.Error() }
func (e *classified) Unwrap() []error { return []error{e.err, e.sentinel} }

// Recoverable wraps err so IsRecoverable returns true.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, sentinel: ErrRecoverable}
}

// Fatal wraps err so it is never retried.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, sentinel: ErrFatal}
}
