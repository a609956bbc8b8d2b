package counter

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestIncrementAndGetSequential(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		count, remaining, err := store.IncrementAndGet(ctx, "k", time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != i {
			t.Errorf("increment %d: count = %d, want %d", i, count, i)
		}
		if remaining <= 0 || remaining > time.Minute {
			t.Errorf("increment %d: remaining = %v, want (0, 1m]", i, remaining)
		}
	}
}

func TestIncrementAndGetConcurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const goroutines = 50
	const perGoroutine = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if _, _, err := store.IncrementAndGet(ctx, "contended", time.Minute); err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	count, _, err := store.IncrementAndGet(ctx, "contended", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := int64(goroutines*perGoroutine + 1); count != want {
		t.Errorf("count = %d, want %d (no lost updates)", count, want)
	}
}

func TestWindowExpiryResetsToOne(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	window := 50 * time.Millisecond

	for i := 0; i < 4; i++ {
		if _, _, err := store.IncrementAndGet(ctx, "k", window); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	time.Sleep(window + 10*time.Millisecond)

	count, remaining, err := store.IncrementAndGet(ctx, "k", window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("count after expiry = %d, want 1 (not 5)", count)
	}
	if remaining != window {
		t.Errorf("remaining after reset = %v, want full window %v", remaining, window)
	}
}

func TestIndependentKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		store.IncrementAndGet(ctx, "a", time.Minute)
	}
	count, _, _ := store.IncrementAndGet(ctx, "b", time.Minute)
	if count != 1 {
		t.Errorf("key b count = %d, want 1", count)
	}
}

func TestSweepEvictsLongExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	window := 20 * time.Millisecond

	store.IncrementAndGet(ctx, "old", window)
	store.IncrementAndGet(ctx, "fresh", time.Minute)

	if store.Size() != 2 {
		t.Fatalf("size = %d, want 2", store.Size())
	}

	// "old" becomes eligible after 2 windows of inactivity.
	time.Sleep(2*window + 10*time.Millisecond)

	removed := store.Sweep()
	if removed != 1 {
		t.Errorf("sweep removed %d entries, want 1", removed)
	}
	if store.Size() != 1 {
		t.Errorf("size after sweep = %d, want 1", store.Size())
	}

	// Evicted key starts a fresh window on next use.
	count, _, _ := store.IncrementAndGet(ctx, "old", window)
	if count != 1 {
		t.Errorf("count after eviction = %d, want 1", count)
	}
}

func TestSweeperLifecycle(t *testing.T) {
	store := NewMemoryStore()
	sweeper := NewSweeper(store, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	go sweeper.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for !sweeper.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !sweeper.Running() {
		t.Fatal("sweeper never started")
	}

	cancel()
	deadline = time.Now().Add(time.Second)
	for sweeper.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sweeper.Running() {
		t.Fatal("sweeper did not stop on context cancel")
	}
}

func TestKey(t *testing.T) {
	if got := Key("rate", "1.2.3.4", "/v1/auth/login"); got != "rate:1.2.3.4:/v1/auth/login" {
		t.Errorf("Key = %q", got)
	}
	if got := Key("velocity", "user1", "LOGIN"); got != "velocity:user1:LOGIN" {
		t.Errorf("Key = %q", got)
	}
	if got := Key("scope"); got != "scope" {
		t.Errorf("Key with no parts = %q", got)
	}
}
