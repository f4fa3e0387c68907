package pool

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dispatchd/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, typ domain.WorkerType, max int) *Pool {
	t.Helper()
	p := New(newTestLogger())
	if err := p.Register(typ, max); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return p
}

func TestRegisterDuplicate(t *testing.T) {
	p := newTestPool(t, "backend", 2)
	if err := p.Register("backend", 2); err == nil {
		t.Error("expected error for duplicate registration")
	}
}

func TestRegisterInvalidCapacity(t *testing.T) {
	p := New(newTestLogger())
	if err := p.Register("backend", 0); err == nil {
		t.Error("expected error for zero capacity")
	}
}

func TestTryAcquireBounds(t *testing.T) {
	p := newTestPool(t, "backend", 2)

	if !p.TryAcquire("backend") {
		t.Fatal("first acquire should succeed")
	}
	if !p.TryAcquire("backend") {
		t.Fatal("second acquire should succeed")
	}
	if p.TryAcquire("backend") {
		t.Fatal("third acquire should fail at capacity")
	}

	p.Release("backend")
	if !p.TryAcquire("backend") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestTryAcquireUnknownType(t *testing.T) {
	p := New(newTestLogger())
	if p.TryAcquire("nope") {
		t.Error("acquire of unregistered type should fail")
	}
}

func TestAcquireUnknownType(t *testing.T) {
	p := New(newTestLogger())
	if err := p.Acquire(context.Background(), "nope", 1); err == nil {
		t.Error("expected error for unregistered type")
	}
}

func TestReleaseIdleIsNoop(t *testing.T) {
	p := newTestPool(t, "backend", 2)
	p.Release("backend")
	p.Release("unregistered")

	current, max, ok := p.Load("backend")
	if !ok {
		t.Fatal("Load: type not found")
	}
	if current != 0 || max != 2 {
		t.Errorf("load = (%d, %d), want (0, 2)", current, max)
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := newTestPool(t, "backend", 1)
	if !p.TryAcquire("backend") {
		t.Fatal("initial acquire failed")
	}

	acquired := make(chan struct{})
	go func() {
		if err := p.Acquire(context.Background(), "backend", 1); err == nil {
			close(acquired)
		}
	}()

	waitForWaiters(t, p, "backend", 1)
	select {
	case <-acquired:
		t.Fatal("acquire succeeded while type was saturated")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release("backend")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}

	current, _, _ := p.Load("backend")
	if current != 1 {
		t.Errorf("current = %d after handoff, want 1", current)
	}
}

func TestReleaseWakesByPriorityThenArrival(t *testing.T) {
	p := newTestPool(t, "backend", 1)
	if !p.TryAcquire("backend") {
		t.Fatal("initial acquire failed")
	}

	var order []string
	var mu sync.Mutex
	wake := func(name string, priority int) chan struct{} {
		done := make(chan struct{})
		go func() {
			if err := p.Acquire(context.Background(), "backend", priority); err != nil {
				t.Errorf("Acquire %s: %v", name, err)
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			close(done)
		}()
		return done
	}

	// Enqueue low priority first, then two high-priority waiters.
	lowDone := wake("low", 5)
	waitForWaiters(t, p, "backend", 1)
	firstHigh := wake("high-1", 1)
	waitForWaiters(t, p, "backend", 2)
	secondHigh := wake("high-2", 1)
	waitForWaiters(t, p, "backend", 3)

	for _, done := range []chan struct{}{firstHigh, secondHigh, lowDone} {
		p.Release("backend")
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("waiter was not woken")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high-1", "high-2", "low"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("wake order = %v, want %v", order, want)
		}
	}
}

func TestAcquireTimeout(t *testing.T) {
	p := newTestPool(t, "backend", 1)
	if !p.TryAcquire("backend") {
		t.Fatal("initial acquire failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.Acquire(ctx, "backend", 1); err == nil {
		t.Fatal("expected timeout error")
	}

	// The timed-out waiter must be gone so a later release does not
	// grant a dead slot.
	if n := p.Waiting("backend"); n != 0 {
		t.Errorf("waiters = %d after timeout, want 0", n)
	}
	p.Release("backend")
	if !p.TryAcquire("backend") {
		t.Error("slot not reusable after timed-out waiter")
	}
}

func TestConcurrentAcquireReleaseInvariant(t *testing.T) {
	const max = 4
	p := newTestPool(t, "backend", max)

	var inFlight atomic.Int64
	var violations atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				if rng.Intn(2) == 0 {
					if p.TryAcquire("backend") {
						if n := inFlight.Add(1); n > max {
							violations.Add(1)
						}
						time.Sleep(time.Duration(rng.Intn(100)) * time.Microsecond)
						inFlight.Add(-1)
						p.Release("backend")
					}
				} else {
					ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
					err := p.Acquire(ctx, "backend", 1+rng.Intn(3))
					cancel()
					if err == nil {
						if n := inFlight.Add(1); n > max {
							violations.Add(1)
						}
						inFlight.Add(-1)
						p.Release("backend")
					}
				}
			}
		}(int64(g))
	}
	wg.Wait()

	if v := violations.Load(); v != 0 {
		t.Errorf("observed %d load ceiling violations", v)
	}
	current, _, _ := p.Load("backend")
	if current != 0 {
		t.Errorf("current = %d after drain, want 0", current)
	}
}

func TestDistinctTypesDoNotContend(t *testing.T) {
	p := newTestPool(t, "backend", 1)
	if err := p.Register("qa", 1); err != nil {
		t.Fatalf("Register qa: %v", err)
	}

	if !p.TryAcquire("backend") {
		t.Fatal("backend acquire failed")
	}
	// A saturated backend must not block qa.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Acquire(ctx, "qa", 1); err != nil {
		t.Fatalf("qa acquire blocked by backend saturation: %v", err)
	}
}

func waitForWaiters(t *testing.T, p *Pool, typ domain.WorkerType, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for p.Waiting(typ) < n {
		if time.Now().After(deadline) {
			t.Fatalf("never reached %d waiters", n)
		}
		time.Sleep(time.Millisecond)
	}
}
