package locker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquire_FreeKey(t *testing.T) {
	l := New()

	h, err := l.Acquire(context.Background(), "acct-1", "publish", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !l.IsLocked("acct-1") {
		t.Error("IsLocked() = false after Acquire")
	}

	info, ok := l.GetInfo("acct-1")
	if !ok {
		t.Fatal("GetInfo() ok = false for held lock")
	}
	if info.Operation != "publish" {
		t.Errorf("Operation = %q, want publish", info.Operation)
	}

	h.Release()
	if l.IsLocked("acct-1") {
		t.Error("IsLocked() = true after Release")
	}
}

func TestAcquire_EmptyKey(t *testing.T) {
	l := New()
	if _, err := l.Acquire(context.Background(), "", "op", time.Second); err == nil {
		t.Error("Acquire(\"\") error = nil, want error")
	}
}

func TestTryAcquire(t *testing.T) {
	l := New()

	h, ok := l.TryAcquire("acct-1", "like")
	if !ok {
		t.Fatal("TryAcquire() ok = false on free key")
	}

	if _, ok := l.TryAcquire("acct-1", "like"); ok {
		t.Error("TryAcquire() ok = true on held key")
	}

	h.Release()
	if _, ok := l.TryAcquire("acct-1", "like"); !ok {
		t.Error("TryAcquire() ok = false after release")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	l := New()

	h1, _ := l.TryAcquire("acct-1", "a")
	h1.Release()

	h2, ok := l.TryAcquire("acct-1", "b")
	if !ok {
		t.Fatal("reacquire failed")
	}

	// Double-release of the first handle must not free the second holder's lock.
	h1.Release()
	if !l.IsLocked("acct-1") {
		t.Error("double Release of old handle released the new holder's lock")
	}
	h2.Release()
}

func TestAcquire_Timeout(t *testing.T) {
	l := New()

	h, _ := l.TryAcquire("acct-1", "long")
	defer h.Release()

	start := time.Now()
	_, err := l.Acquire(context.Background(), "acct-1", "second", 50*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Acquire() error = %v, want ErrTimeout", err)
	}
	if elapsed < 40*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("timed out after %v, want ~50ms", elapsed)
	}
	if l.Waiting("acct-1") != 0 {
		t.Errorf("Waiting() = %d after timeout, want 0", l.Waiting("acct-1"))
	}
}

func TestAcquire_TimedOutWaiterNeverGranted(t *testing.T) {
	l := New()

	h, _ := l.TryAcquire("acct-1", "holder")

	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(context.Background(), "acct-1", "waiter", 30*time.Millisecond)
		done <- err
	}()

	if err := <-done; !errors.Is(err, ErrTimeout) {
		t.Fatalf("waiter error = %v, want ErrTimeout", err)
	}

	// Release after the waiter abandoned: the queue must be empty and the
	// key must end up free, not granted to the dead waiter.
	h.Release()
	if l.IsLocked("acct-1") {
		t.Error("key still locked after release with no live waiters")
	}
}

func TestAcquire_ContextCancel(t *testing.T) {
	l := New()

	h, _ := l.TryAcquire("acct-1", "holder")
	defer h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, "acct-1", "waiter", time.Minute)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("waiter error = %v, want context.Canceled", err)
	}
}

func TestFIFO_Ordering(t *testing.T) {
	l := New()

	h, _ := l.TryAcquire("acct-1", "holder")

	const n = 5
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wh, err := l.Acquire(context.Background(), "acct-1", "w", 5*time.Second)
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wh.Release()
		}(i)
		// Stagger enqueue so arrival order is deterministic.
		for l.Waiting("acct-1") != i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	h.Release()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("grant order = %v, want FIFO", order)
		}
	}
}

func TestMutualExclusion(t *testing.T) {
	l := New()

	var inCritical atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h, err := l.Acquire(context.Background(), "acct-1", "op", 5*time.Second)
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				if n := inCritical.Add(1); n != 1 {
					t.Errorf("mutual exclusion violated: %d holders", n)
				}
				inCritical.Add(-1)
				h.Release()
			}
		}()
	}
	wg.Wait()
}

func TestKeys_Independent(t *testing.T) {
	l := New()

	ha, _ := l.TryAcquire("acct-a", "op")
	defer ha.Release()

	start := time.Now()
	hb, err := l.Acquire(context.Background(), "acct-b", "op", time.Second)
	if err != nil {
		t.Fatalf("Acquire(acct-b) error = %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("acquiring an unrelated key blocked")
	}
	hb.Release()
}

func TestForceRelease(t *testing.T) {
	l := New()

	if l.ForceRelease("acct-1") {
		t.Error("ForceRelease() = true on free key")
	}

	l.TryAcquire("acct-1", "stuck")
	if !l.ForceRelease("acct-1") {
		t.Error("ForceRelease() = false on held key")
	}
	if l.IsLocked("acct-1") {
		t.Error("key still locked after ForceRelease")
	}
}

func TestForceRelease_GrantsToWaiter(t *testing.T) {
	l := New()

	l.TryAcquire("acct-1", "stuck")

	done := make(chan struct{})
	go func() {
		h, err := l.Acquire(context.Background(), "acct-1", "next", 5*time.Second)
		if err == nil {
			h.Release()
		}
		close(done)
	}()

	for l.Waiting("acct-1") != 1 {
		time.Sleep(time.Millisecond)
	}
	l.ForceRelease("acct-1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not granted after ForceRelease")
	}
}

func TestSnapshot(t *testing.T) {
	l := New()

	ha, _ := l.TryAcquire("acct-a", "op-a")
	hb, _ := l.TryAcquire("acct-b", "op-b")
	defer ha.Release()
	defer hb.Release()

	snap := l.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
}
