package errors

import (
	"context"
	stderrors "errors"
	"testing"
	"time"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(stderrors.New("flaky"), "")
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := NewPermanentError(stderrors.New("bad payload"), "")
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return permanent
	}, nil)

	if !stderrors.Is(err, permanent) {
		t.Fatalf("expected the permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error should not be retried, got %d calls", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return NewTransientError(stderrors.New("still down"), "")
	}, nil)

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 { // initial call + MaxAttempts retries
		t.Errorf("expected 4 calls, got %d", calls)
	}
}

func TestRetryWithResultReturnsValue(t *testing.T) {
	got, err := RetryWithResult(context.Background(), fastRetryConfig(), func(ctx context.Context) (int, error) {
		return 42, nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return NewTransientError(stderrors.New("x"), "")
	}, nil)

	if err == nil {
		t.Fatal("expected context error")
	}
	if calls != 0 {
		t.Errorf("cancelled context should prevent calls, got %d", calls)
	}
}

func TestCalculateBackoffCapsAtMaxDelay(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, JitterFactor: 0}
	if d := calculateBackoff(0, config); d != time.Second {
		t.Errorf("attempt 0: got %v, want 1s", d)
	}
	if d := calculateBackoff(1, config); d != 2*time.Second {
		t.Errorf("attempt 1: got %v, want 2s", d)
	}
	if d := calculateBackoff(5, config); d != 3*time.Second {
		t.Errorf("attempt 5: got %v, want cap 3s", d)
	}
}
