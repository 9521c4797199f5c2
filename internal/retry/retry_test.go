package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("nonce too low")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("rpc unavailable")
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want last failure", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestPermanentStopsRetrying(t *testing.T) {
	reverted := errors.New("execution reverted")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(reverted)
	})
	if !errors.Is(err, reverted) {
		t.Fatalf("err = %v, want the wrapped cause", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPermanentUnwrapsForCallers(t *testing.T) {
	cause := errors.New("role denied")
	err := Permanent(cause)
	if !errors.Is(err, cause) {
		t.Fatal("Permanent should unwrap to its cause")
	}
	var pe *PermanentError
	if !errors.As(err, &pe) {
		t.Fatal("Permanent should expose *PermanentError")
	}
}

func TestContextCancelsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, time.Second, func() error {
		calls++
		return errors.New("still failing")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 before the backoff was cancelled", calls)
	}
}

func TestZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
