package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestRetryer(attempts int) (*Retryer, *[]time.Duration) {
	r := New(Config{MaxAttempts: attempts, BaseDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2}, quietLogger())
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return r, &slept
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	r, slept := newTestRetryer(5)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("broker unavailable")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if len(*slept) != 2 {
		t.Errorf("Expected 2 sleeps, got %d", len(*slept))
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	r, _ := newTestRetryer(3)
	cause := errors.New("refused")

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return cause
	})

	if !errors.Is(err, cause) {
		t.Errorf("Expected wrapped cause, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	r, _ := newTestRetryer(5)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := r.Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("refused")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDelayBounds(t *testing.T) {
	r, _ := newTestRetryer(5)

	for attempt := 1; attempt <= 6; attempt++ {
		d := r.delay(attempt)
		if d < time.Second {
			t.Errorf("Attempt %d: delay %v below base delay", attempt, d)
		}
		// cap plus 10% jitter
		if d > 4*time.Second+400*time.Millisecond {
			t.Errorf("Attempt %d: delay %v above max delay", attempt, d)
		}
	}
}
