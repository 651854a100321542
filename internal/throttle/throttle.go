// Package throttle wraps external calls that may fail transiently (HTTP 429
// or an empty result) with bounded exponential backoff, while pacing the
// first attempt of every call to stay under a known throughput ceiling.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 32 * time.Second
)

// ErrEmptyResult marks a callee response that carried no usable content.
// Empty responses are treated like rate limiting and retried.
var ErrEmptyResult = errors.New("empty result from external call")

// RateLimitExhaustedError is returned after the final failed attempt. It
// wraps the last underlying error.
type RateLimitExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RateLimitExhaustedError) Error() string {
	return fmt.Sprintf("rate limit still exceeded after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RateLimitExhaustedError) Unwrap() error { return e.Last }

// Controller retries rate-limited calls with exponential backoff. The shared
// limiter imposes a fixed pacing delay before the first attempt of every
// call in the family, independent of backoff.
type Controller struct {
	limiter     *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	// sleep is swapped out by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController returns a controller with the standard schedule: 5 attempts,
// base delay 1s doubling to a 32s cap, and a 1-per-second pacing limiter.
func NewController() *Controller {
	// The limiter starts with a full token; spend it so the very first call
	// waits the full pacing interval like every later one.
	limiter := rate.NewLimiter(rate.Every(defaultBaseDelay), 1)
	limiter.AllowN(time.Now(), 1)
	return &Controller{
		limiter:     limiter,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		sleep:       sleepCtx,
	}
}

// Do runs fn, retrying while the failure classifies as rate-limited. All
// other errors are returned immediately. After the final failed attempt the
// last error is wrapped in a RateLimitExhaustedError.
func (c *Controller) Do(ctx context.Context, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRateLimited(err) {
			return err
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}

		// Doubling from 2x base: 2, 4, 8, 16 time-units, capped.
		backoff := c.baseDelay * (1 << attempt)
		if backoff > c.maxDelay {
			backoff = c.maxDelay
		}
		slog.Warn("Call rate-limited, will retry.",
			"attempt", attempt,
			"maxAttempts", c.maxAttempts,
			"backoff", backoff.String(),
			"error", err,
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
	}
	return &RateLimitExhaustedError{Attempts: c.maxAttempts, Last: lastErr}
}

// Invoke is Do for calls that produce a value.
func Invoke[T any](ctx context.Context, c *Controller, fn func() (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsRateLimited reports whether err should be retried: an explicit HTTP 429,
// or a callee signalling an empty/invalid result. Everything else, timeouts
// included, is fatal.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEmptyResult) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 429 {
		return true
	}
	return strings.Contains(err.Error(), "429")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
