package wait

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntilReturnsWhenConditionHolds(t *testing.T) {
	calls := 0
	err := Until(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 checks, got %d", calls)
	}
}

func TestUntilTimesOut(t *testing.T) {
	err := Until(context.Background(), time.Millisecond, 20*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestUntilPropagatesConditionError(t *testing.T) {
	boom := errors.New("boom")
	err := Until(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestSleepIsCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep did not return promptly after cancel")
	}
}
