package errors

import (
	"context"
	"math/rand"
	"time"
)

// Retryable reports whether err is safe to retry internally: Conflict
// (lost a conditional-update race) and TransientStorage (a storage
// timeout) are the only two kinds the Coordinator ever retries on the
// caller's behalf.
func Retryable(err error) bool {
	return IsType(err, ErrorTypeConflict) || IsType(err, ErrorTypeTransientStorage)
}

// RetryConfig bounds a jittered-backoff retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the scheduler and janitor call sites:
// a handful of fast attempts, capped at a few hundred milliseconds.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 5,
	BaseDelay:   10 * time.Millisecond,
	MaxDelay:    250 * time.Millisecond,
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping a jittered
// exponential backoff between attempts, as long as the returned error is
// Retryable. It stops early on ctx cancellation or a non-retryable error.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var err error
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return err
}
