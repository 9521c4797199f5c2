package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var events []string
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			release, err := m.Lock(ctx, "0xabc|0xdef")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			events = append(events, "enter")
			time.Sleep(5 * time.Millisecond)
			events = append(events, "leave")
			release()
		}()
	}
	wg.Wait()

	want := []string{"enter", "leave", "enter", "leave"}
	for i, e := range events {
		if e != want[i] {
			t.Fatalf("events = %v, want strict enter/leave pairs", events)
		}
	}
}

func TestKeyedMutexCancelledWait(t *testing.T) {
	m := NewKeyedMutex()

	release, err := m.Lock(context.Background(), "held")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := m.Lock(ctx, "held"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestKeyedMutexReleaseHandsOff(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	release, err := m.Lock(ctx, "handoff")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	got := make(chan struct{})
	go func() {
		r, err := m.Lock(ctx, "handoff")
		if err != nil {
			return
		}
		close(got)
		r()
	}()

	select {
	case <-got:
		t.Fatal("second caller acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}

	release()

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("lock was not handed off after release")
	}
}

func TestKeyedMutexDistinctKeys(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	r1, err := m.Lock(ctx, "dispute-one")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer r1()

	timed, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	r2, err := m.Lock(timed, "dispute-two")
	if err != nil {
		// Hash collision onto the same slot is possible by construction.
		t.Skipf("keys share a slot: %v", err)
	}
	r2()
}
