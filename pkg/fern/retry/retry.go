// Package retry implements bounded retries with exponential backoff and
// jitter for calls to external HTTP services. Rate limits (429) and
// transient server errors (5xx) are retried; everything else fails fast.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Config bounds the retry loop.
type Config struct {
	// MaxAttempts counts the initial attempt. 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries, including delays taken
	// from a Retry-After header.
	MaxBackoff time.Duration
	// Multiplier grows the backoff after each attempt.
	Multiplier float64
	// Jitter randomizes each delay by up to this fraction in either
	// direction to avoid synchronized retry storms.
	Jitter float64
}

// DefaultConfig returns the retry policy used for external HTTP calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// HTTPError carries the status of a failed HTTP request so the retry loop
// can classify it. RetryAfter is the server-requested delay from a
// Retry-After header, zero when absent.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether another attempt could plausibly succeed.
// Rate limits, server errors, and network timeouts qualify. Context
// cancellation never does.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	return false
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. Backoff between attempts is exponential
// with jitter; a Retry-After delay from the server is honored when it is
// longer than the computed backoff.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffFor(cfg, attempt, err)):
		}
	}

	return fmt.Errorf("retry exhausted after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// backoffFor computes the delay before the next attempt.
func backoffFor(cfg Config, attempt int, err error) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1)
	}

	delay := time.Duration(backoff)

	// A server-requested delay wins over the computed one, but is still
	// capped so a hostile header cannot stall the caller.
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > delay {
		delay = httpErr.RetryAfter
		if cfg.MaxBackoff > 0 && delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}
	}

	return delay
}

// ParseRetryAfter reads a Retry-After header value given in seconds.
// Returns zero for empty or unparseable values.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	sec, err := strconv.Atoi(header)
	if err != nil || sec <= 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}
