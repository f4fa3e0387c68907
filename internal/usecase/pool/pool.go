// Package pool is the per-worker-type capacity ledger. Each registered
// type has its own slot counter and wait queue; distinct types never
// contend on the same lock.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"dispatchd/internal/domain"
)

// waiter is one caller suspended in Acquire. Waiters are queued per type
// in (priority, arrival) order; Release hands the freed slot directly to
// the head waiter so exactly one wakes per release.
type waiter struct {
	priority int
	seq      uint64
	ready    chan struct{}
	granted  bool // written under the owning slot's lock
}

// slot is the mutable per-type counter plus its wait queue.
type slot struct {
	mu      sync.Mutex
	max     int
	current int
	waiters []*waiter
}

// Pool tracks in-flight load per worker type against a configured
// ceiling. All mutation goes through Acquire/TryAcquire/Release.
type Pool struct {
	mu     sync.RWMutex
	slots  map[domain.WorkerType]*slot
	seq    atomic.Uint64
	logger *slog.Logger
}

// New creates an empty pool.
func New(logger *slog.Logger) *Pool {
	return &Pool{
		slots:  make(map[domain.WorkerType]*slot),
		logger: logger,
	}
}

// Register adds a type with the given capacity ceiling. Returns
// ErrDuplicate if the type is already registered.
func (p *Pool) Register(typ domain.WorkerType, maxConcurrent int) error {
	if maxConcurrent < 1 {
		return domain.NewDomainError("Pool.Register", domain.ErrInvalidInput, "max_concurrent must be >= 1")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.slots[typ]; exists {
		return domain.NewDomainError("Pool.Register", domain.ErrDuplicate, string(typ))
	}
	p.slots[typ] = &slot{max: maxConcurrent}
	return nil
}

func (p *Pool) slot(typ domain.WorkerType) (*slot, bool) {
	p.mu.RLock()
	s, ok := p.slots[typ]
	p.mu.RUnlock()
	return s, ok
}

// TryAcquire takes a slot without blocking. It succeeds iff the current
// load is below the ceiling.
func (p *Pool) TryAcquire(typ domain.WorkerType) bool {
	s, ok := p.slot(typ)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Waiters only exist while the type is saturated, so a free slot
	// here cannot barge ahead of a queued caller.
	if s.current < s.max {
		s.current++
		return true
	}
	return false
}

// Acquire takes a slot, suspending the caller until one frees or ctx is
// done. Suspended callers are served in priority order (lower number
// first), then first-come-first-served within a priority.
func (p *Pool) Acquire(ctx context.Context, typ domain.WorkerType, priority int) error {
	s, ok := p.slot(typ)
	if !ok {
		return domain.NewDomainError("Pool.Acquire", domain.ErrUnknownWorker, string(typ))
	}

	s.mu.Lock()
	if s.current < s.max {
		s.current++
		s.mu.Unlock()
		return nil
	}
	w := &waiter{priority: priority, seq: p.seq.Add(1), ready: make(chan struct{})}
	s.enqueueLocked(w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if w.granted {
			// A release handed us the slot in the same instant the
			// deadline fired. We own it; the acquire succeeds.
			s.mu.Unlock()
			return nil
		}
		s.removeLocked(w)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees one slot. If callers are waiting, the slot is handed to
// the head waiter and the load count does not change. Releasing an idle
// type is logged as an anomaly and otherwise ignored; it signals a
// double-release bug upstream, not a fatal condition.
func (p *Pool) Release(typ domain.WorkerType) {
	s, ok := p.slot(typ)
	if !ok {
		p.logger.Warn("release for unregistered worker type", "type", string(typ))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w.granted = true
		close(w.ready)
		return
	}
	if s.current == 0 {
		p.logger.Warn("release on idle worker type", "type", string(typ))
		return
	}
	s.current--
}

// Load returns the current and maximum load for a type. The value is a
// possibly-stale observability read; never use it to decide an acquire.
func (p *Pool) Load(typ domain.WorkerType) (current, max int, ok bool) {
	s, found := p.slot(typ)
	if !found {
		return 0, 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.max, true
}

// Waiting returns the number of suspended acquirers for a type.
func (p *Pool) Waiting(typ domain.WorkerType) int {
	s, ok := p.slot(typ)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Types returns the registered worker types in no particular order.
func (p *Pool) Types() []domain.WorkerType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	types := make([]domain.WorkerType, 0, len(p.slots))
	for t := range p.slots {
		types = append(types, t)
	}
	return types
}

// enqueueLocked inserts w after every waiter with an equal or better
// priority, preserving arrival order within a priority.
func (s *slot) enqueueLocked(w *waiter) {
	i := len(s.waiters)
	for i > 0 && s.waiters[i-1].priority > w.priority {
		i--
	}
	s.waiters = append(s.waiters, nil)
	copy(s.waiters[i+1:], s.waiters[i:])
	s.waiters[i] = w
}

func (s *slot) removeLocked(w *waiter) {
	for i, cand := range s.waiters {
		if cand == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}
