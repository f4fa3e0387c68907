package dispatch

import (
	"sync"
	"time"

	"dispatchd/internal/domain"
)

// typeCounters accumulates execution outcomes for one worker type.
type typeCounters struct {
	total         int64
	successful    int64
	failed        int64
	totalDuration time.Duration
}

// Stats aggregates per-type execution counters. Recording happens once
// per release, never per retry attempt.
type Stats struct {
	mu      sync.Mutex
	perType map[domain.WorkerType]*typeCounters
}

// NewStats returns an empty aggregator.
func NewStats() *Stats {
	return &Stats{perType: make(map[domain.WorkerType]*typeCounters)}
}

// Record counts one finished execution. A cancelled task counts as a
// failure; it consumed a slot without producing a result.
func (s *Stats) Record(typ domain.WorkerType, success bool, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.perType[typ]
	if !ok {
		c = &typeCounters{}
		s.perType[typ] = c
	}
	c.total++
	if success {
		c.successful++
	} else {
		c.failed++
	}
	c.totalDuration += duration
}

// snapshotFor returns the counters for one type. Load fields are filled
// in by the dispatcher, which owns the pool.
func (s *Stats) snapshotFor(typ domain.WorkerType) domain.TypeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.perType[typ]
	if !ok {
		return domain.TypeSnapshot{}
	}
	snap := domain.TypeSnapshot{
		TotalExecutions:      c.total,
		SuccessfulExecutions: c.successful,
		FailedExecutions:     c.failed,
	}
	if c.total > 0 {
		snap.AverageDuration = c.totalDuration / time.Duration(c.total)
	}
	return snap
}
