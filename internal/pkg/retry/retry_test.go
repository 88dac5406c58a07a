package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"fulfillment/internal/pkg/apperrors"
)

func noSleep(p Policy, slept *[]time.Duration) Policy {
	p.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return p
}

func TestBackoffCurve(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestDoRetriesProviderErrorsUntilSuccess(t *testing.T) {
	var slept []time.Duration
	p := noSleep(Policy{MaxAttempts: 5, InitialBackoff: 10 * time.Millisecond, Multiplier: 2}, &slept)

	calls := 0
	attempts, err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return apperrors.Wrap(apperrors.KindProvider, errors.New("503"), "charge")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(slept) != 2 || slept[0] != 10*time.Millisecond || slept[1] != 20*time.Millisecond {
		t.Errorf("unexpected backoff schedule %v", slept)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	var slept []time.Duration
	p := noSleep(Policy{MaxAttempts: 5}, &slept)
	conflict := apperrors.New(apperrors.KindConflict, "insufficient stock")

	attempts, err := p.Do(context.Background(), func(context.Context) error { return conflict })
	if !errors.Is(err, conflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	var slept []time.Duration
	p := noSleep(Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}, &slept)

	attempts, err := p.Do(context.Background(), func(context.Context) error {
		return apperrors.Wrap(apperrors.KindProvider, errors.New("timeout"), "ship")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestAttemptTimeoutIsAFailure(t *testing.T) {
	var slept []time.Duration
	p := noSleep(Policy{MaxAttempts: 2, AttemptTimeout: 5 * time.Millisecond}, &slept)

	attempts, err := p.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected timeout to be retried, got %d attempts", attempts)
	}
}
