package fn

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	// Retryable decides whether a failed attempt may be retried. Nil retries every error.
	Retryable func(error) bool `json:"-"`
	// OnRetry is called before sleeping, with the 1-based attempt that just failed.
	OnRetry func(attempt int, err error, wait time.Duration) `json:"-"`
}

// DefaultRetry provides sensible retry defaults.
var DefaultRetry = RetryOpts{
	MaxAttempts: 3,
	InitialWait: time.Second,
	MaxWait:     30 * time.Second,
	Jitter:      true,
}

// Retry retries f up to MaxAttempts times with exponential backoff.
// Errors rejected by Retryable are returned immediately.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	var result Result[T]
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result = f(ctx)
		if result.IsOk() {
			return result
		}
		if attempt == opts.MaxAttempts {
			break
		}
		if opts.Retryable != nil && !opts.Retryable(result.err) {
			return result
		}
		if ctx.Err() != nil {
			return Err[T](ctx.Err())
		}

		sleepDur := Backoff(opts, attempt)
		if opts.Jitter {
			sleepDur = time.Duration(float64(sleepDur) * (0.5 + rand.Float64()))
			if opts.MaxWait > 0 && sleepDur > opts.MaxWait {
				sleepDur = opts.MaxWait
			}
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, result.err, sleepDur)
		}

		timer := time.NewTimer(sleepDur)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Err[T](ctx.Err())
		case <-timer.C:
		}
	}
	return result
}

// Backoff returns the wait after the given failed attempt (1-based):
// InitialWait doubled per attempt, capped at MaxWait.
func Backoff(opts RetryOpts, attempt int) time.Duration {
	wait := opts.InitialWait
	for i := 1; i < attempt; i++ {
		wait *= 2
		if opts.MaxWait > 0 && wait >= opts.MaxWait {
			return opts.MaxWait
		}
	}
	if opts.MaxWait > 0 && wait > opts.MaxWait {
		return opts.MaxWait
	}
	return wait
}
