package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// RetryConfig bounds provider-level retries for transient failures
// (429/5xx/connect errors). The hooks let the session surface
// auto_retry_start / auto_retry_end events to its subscribers.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetryStart fires before sleeping ahead of attempt (1-based).
	OnRetryStart func(attempt int, err error)
	// OnRetryEnd fires after the retried attempt resolves.
	OnRetryEnd func(attempt int, err error)
}

// DefaultRetryConfig mirrors the provider defaults: 3 attempts with
// exponential backoff capped at 20s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   800 * time.Millisecond,
		MaxDelay:    20 * time.Second,
	}
}

// retryableError marks an error as transient so RetryDo retries it.
type retryableError struct{ err error }

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

// Retryable wraps an error so RetryDo will retry it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether the error is transient: explicitly marked,
// a timeout-ish net error, or a temporary-looking message.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "overloaded")
}

// RetryDo runs fn with bounded exponential backoff. Only retryable
// errors are retried; context cancellation always wins.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := fn()
		if err == nil {
			if attempt > 1 && cfg.OnRetryEnd != nil {
				cfg.OnRetryEnd(attempt, nil)
			}
			return v, nil
		}
		lastErr = err
		if attempt > 1 && cfg.OnRetryEnd != nil {
			cfg.OnRetryEnd(attempt, err)
		}
		if attempt == cfg.MaxAttempts || !IsRetryable(err) {
			break
		}

		delay := cfg.BaseDelay << (attempt - 1)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		// Full jitter keeps concurrent sessions from thundering.
		if delay > 0 {
			delay = time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)
		}

		if cfg.OnRetryStart != nil {
			cfg.OnRetryStart(attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, fmt.Errorf("provider call failed: %w", lastErr)
}
