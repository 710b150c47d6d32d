// Package retry implements the generic retry loop used by the
// agentic loop when a provider call fails transiently.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/kestrel-ai/kestrel/internal/backoff"
)

// Config controls how many times an operation is retried, how the delay
// between attempts grows, and the total wall-clock budget the whole
// retry sequence may spend (spec §4.3: retry is bounded by both "a
// maximum attempt count ... and a total deadline").
type Config struct {
	MaxAttempts int
	Policy      backoff.Policy
	// Deadline bounds the entire Do/DoWithValue call, independent of
	// MaxAttempts: whichever limit is hit first stops retrying. Zero
	// means no additional deadline beyond ctx's own.
	Deadline time.Duration
}

// DefaultConfig makes up to 5 attempts using the default backoff policy,
// within a two-minute total deadline.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, Policy: backoff.DefaultPolicy, Deadline: 2 * time.Minute}
}

// Result describes how a retried operation finished.
type Result struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// permanentError marks an error as non-retryable regardless of
// remaining attempts.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked
// with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs op, retrying on error per cfg until MaxAttempts is reached,
// op succeeds, a Permanent error is returned, or ctx is cancelled.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context, attempt int) error) Result {
	start := time.Now()
	if cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Deadline)
		defer cancel()
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt - 1, Err: err, Duration: time.Since(start)}
		}
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return Result{Attempts: attempt, Duration: time.Since(start)}
		}
		if IsPermanent(lastErr) {
			return Result{Attempts: attempt, Err: lastErr, Duration: time.Since(start)}
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		delay := cfg.Policy.Compute(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Attempts: attempt, Err: ctx.Err(), Duration: time.Since(start)}
		case <-timer.C:
		}
	}
	return Result{Attempts: cfg.MaxAttempts, Err: lastErr, Duration: time.Since(start)}
}

// DoWithValue is Do for operations that also produce a value.
func DoWithValue[T any](ctx context.Context, cfg Config, op func(ctx context.Context, attempt int) (T, error)) (T, Result) {
	var value T
	res := Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		v, err := op(ctx, attempt)
		if err == nil {
			value = v
		}
		return err
	})
	return value, res
}
