package assistant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
)

// RetryPolicy is the bounded retry shared by add-message, run creation
// and run polling.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff returns the wait before attempt n (n >= 1). Nil means no wait.
	Backoff func(attempt int) time.Duration
	// Retryable decides whether err is worth another attempt. Nil means
	// IsRetryable.
	Retryable func(err error) bool
	Clock     clock.Clock
}

// ExponentialBackoff returns base*factor^(n-1) capped at ceiling.
func ExponentialBackoff(base, ceiling time.Duration, factor float64) func(int) time.Duration {
	return func(n int) time.Duration {
		d := float64(base)
		for i := 1; i < n; i++ {
			d *= factor
			if time.Duration(d) >= ceiling {
				return ceiling
			}
		}
		if time.Duration(d) > ceiling {
			return ceiling
		}
		return time.Duration(d)
	}
}

// IsRetryable reports whether err is transient or a busy-thread conflict.
// Context cancellation and context overflow are never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrContextOverflow) {
		return false
	}
	if errors.Is(err, ErrRunActive) || errors.Is(err, ErrTransient) {
		return true
	}
	var apiErr *APIError
	// Unclassified errors are network failures from the transport.
	return !errors.As(err, &apiErr)
}

// wait sleeps for the policy's backoff before attempt n.
func (p RetryPolicy) wait(ctx context.Context, n int) error {
	if p.Backoff == nil {
		return ctx.Err()
	}
	d := p.Backoff(n)
	if d <= 0 {
		return ctx.Err()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}

// RetryDo calls fn until it succeeds, fails with a non-retryable error or
// MaxAttempts is exhausted. The last error is returned.
func RetryDo[T any](ctx context.Context, p RetryPolicy, op string, fn func() (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		result T
		err    error
	)
	for n := 1; n <= attempts; n++ {
		result, err = fn()
		if err == nil {
			if n > 1 {
				slog.Info("assistant: retry succeeded", "op", op, "attempt", n)
			}
			return result, nil
		}
		if !retryable(err) || n == attempts {
			break
		}
		slog.Warn("assistant: retrying", "op", op, "attempt", n, "error", err)
		if werr := p.wait(ctx, n); werr != nil {
			return result, werr
		}
	}
	return result, err
}
