package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSimpleRetry_FirstTrySuccess(t *testing.T) {
	calls := 0
	r := SimpleRetry{Attempts: 5, BaseDelay: time.Hour}
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSimpleRetry_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	r := SimpleRetry{Attempts: 5, BaseDelay: time.Millisecond}
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestSimpleRetry_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	boom := errors.New("still broken")
	r := SimpleRetry{Attempts: 4, BaseDelay: time.Millisecond}
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do = %v, want %v", err, boom)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestSimpleRetry_ZeroDelaysRetryImmediately(t *testing.T) {
	calls := 0
	r := SimpleRetry{Attempts: 50}
	start := time.Now()
	_ = r.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	if calls != 50 {
		t.Fatalf("calls = %d, want 50", calls)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("50 immediate attempts took %v", elapsed)
	}
}

func TestSimpleRetry_ContextCancelStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r := SimpleRetry{Attempts: 10, BaseDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func(context.Context) error {
			calls++
			return errors.New("transient")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Do = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSimpleRetry_CanceledContextSkipsWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := SimpleRetry{Attempts: 3}.Do(ctx, func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
}

func TestSimpleRetry_BackoffCappedByMaxDelay(t *testing.T) {
	calls := 0
	r := SimpleRetry{Attempts: 6, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
	start := time.Now()
	_ = r.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	if calls != 6 {
		t.Fatalf("calls = %d, want 6", calls)
	}
	// 1+2+4+4+4 ms of waits, uncapped would add 8+16.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("capped backoff took %v", elapsed)
	}
}

func TestNopRetry_SingleAttempt(t *testing.T) {
	calls := 0
	boom := errors.New("once")
	err := nopRetry{}.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
