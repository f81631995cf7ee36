package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestClassificationSentinels(t *testing.T) {
	is := is.New(t)

	base := errors.New("connection reset")
	is.True(IsRecoverable(Recoverable(base)))
	is.True(!IsRecoverable(Fatal(base)))
	is.True(!IsRecoverable(base))

	is.Equal(Recoverable(nil), nil)
	is.Equal(Fatal(nil), nil)
}

func TestClassificationPreservesCause(t *testing.T) {
	is := is.New(t)

	is.True(errors.Is(Recoverable(context.DeadlineExceeded), context.DeadlineExceeded))
	is.True(errors.Is(Fatal(context.DeadlineExceeded), context.DeadlineExceeded))

	// Classification survives further wrapping.
	wrapped := fmt.Errorf("open stream: %w", Recoverable(context.DeadlineExceeded))
	is.True(IsRecoverable(wrapped))
}

func TestIsCancelled(t *testing.T) {
	is := is.New(t)

	is.True(IsCancelled(ErrCancelled))
	is.True(IsCancelled(context.Canceled))
	is.True(IsCancelled(fmt.Errorf("recv: %w", context.Canceled)))
	is.True(!IsCancelled(errors.New("boom")))
}

func TestRetryDelayBackoffAndCap(t *testing.T) {
	is := is.New(t)

	cfg := RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      300 * time.Millisecond,
		BackoffFactor: 2.0,
	}
	is.Equal(cfg.Delay(0), 100*time.Millisecond)
	is.Equal(cfg.Delay(1), 200*time.Millisecond)
	is.Equal(cfg.Delay(2), 300*time.Millisecond) // capped
	is.Equal(cfg.Delay(5), 300*time.Millisecond)
}

func TestRetryWaitHonorsContext(t *testing.T) {
	is := is.New(t)

	cfg := RetryConfig{InitialDelay: time.Minute, MaxDelay: time.Minute, BackoffFactor: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	is.Equal(cfg.Wait(ctx, 0), context.Canceled)
}
