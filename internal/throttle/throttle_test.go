package throttle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
)

// testController returns a controller whose pacing and sleeps are
// observable and instantaneous.
func testController(sleeps *[]time.Duration) *Controller {
	c := NewController()
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return c
}

func TestDoBackoffBound(t *testing.T) {
	var sleeps []time.Duration
	c := testController(&sleeps)

	attempts := 0
	err := c.Do(context.Background(), func() error {
		attempts++
		return fmt.Errorf("googleapi: Error 429: quota exceeded")
	})

	if attempts != 5 {
		t.Fatalf("expected exactly 5 attempts, got %d", attempts)
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %d (%v)", len(want), len(sleeps), sleeps)
	}
	for i, d := range want {
		if sleeps[i] != d {
			t.Errorf("sleep %d: expected %s, got %s", i, d, sleeps[i])
		}
	}

	var exhausted *RateLimitExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RateLimitExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 5 {
		t.Errorf("expected error to report 5 attempts, got %d", exhausted.Attempts)
	}
	if exhausted.Last == nil {
		t.Errorf("expected exhausted error to wrap the last underlying error")
	}
}

func TestDoBackoffCap(t *testing.T) {
	var sleeps []time.Duration
	c := testController(&sleeps)
	c.maxAttempts = 8

	_ = c.Do(context.Background(), func() error {
		return fmt.Errorf("status 429")
	})

	for i, d := range sleeps {
		if d > 32*time.Second {
			t.Errorf("sleep %d exceeds the 32s cap: %s", i, d)
		}
	}
	if last := sleeps[len(sleeps)-1]; last != 32*time.Second {
		t.Errorf("expected later sleeps capped at 32s, got %s", last)
	}
}

func TestDoPacesFirstCall(t *testing.T) {
	c := NewController()

	start := time.Now()
	err := c.Do(context.Background(), func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("expected the first call paced by the 1s interval, ran in %s", elapsed)
	}
}

func TestDoFatalReturnsImmediately(t *testing.T) {
	var sleeps []time.Duration
	c := testController(&sleeps)

	fatal := errors.New("permission denied")
	attempts := 0
	err := c.Do(context.Background(), func() error {
		attempts++
		return fatal
	})

	if !errors.Is(err, fatal) {
		t.Fatalf("expected the fatal error back, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt for a fatal error, got %d", attempts)
	}
	if len(sleeps) != 0 {
		t.Errorf("expected no backoff sleeps, got %v", sleeps)
	}
}

func TestDoEmptyResultIsTransient(t *testing.T) {
	var sleeps []time.Duration
	c := testController(&sleeps)

	attempts := 0
	err := c.Do(context.Background(), func() error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("recognize: %w", ErrEmptyResult)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected recovery on second attempt, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if len(sleeps) != 1 || sleeps[0] != 2*time.Second {
		t.Errorf("expected one 2s backoff sleep, got %v", sleeps)
	}
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	c := NewController()
	c.limiter = rate.NewLimiter(rate.Inf, 1)

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := c.Do(ctx, func() error {
		return fmt.Errorf("429 again")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestInvokeReturnsValue(t *testing.T) {
	var sleeps []time.Duration
	c := testController(&sleeps)

	got, err := Invoke(context.Background(), c, func() (string, error) {
		return "payload", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "payload" {
		t.Errorf("expected %q, got %q", "payload", got)
	}
}

func TestIsRateLimited(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"googleapi 429", &googleapi.Error{Code: 429}, true},
		{"wrapped googleapi 429", fmt.Errorf("call: %w", &googleapi.Error{Code: 429}), true},
		{"429 in message", errors.New("server said 429 slow down"), true},
		{"empty result", fmt.Errorf("x: %w", ErrEmptyResult), true},
		{"googleapi 500", &googleapi.Error{Code: 500}, false},
		{"plain failure", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := IsRateLimited(tc.err); got != tc.want {
			t.Errorf("%s: IsRateLimited = %v, want %v", tc.name, got, tc.want)
		}
	}
}
