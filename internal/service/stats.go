package service

import (
	"sync"
	"sync/atomic"
	"time"
)

// CollectionStats tracks process-wide collection counters. They are reset
// only at process start.
type CollectionStats struct {
	TotalAttempts   atomic.Uint64
	SuccessfulReads atomic.Uint64
	FailedReads     atomic.Uint64
	Cycles          atomic.Uint64
	SkippedCycles   atomic.Uint64 // Overlapping cycle requests

	mu                 sync.RWMutex
	lastError          string
	lastCollectionTime time.Time
}

func (s *CollectionStats) setLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastError = ""
		return
	}
	s.lastError = err.Error()
}

func (s *CollectionStats) setLastCollection(t time.Time) {
	s.mu.Lock()
	s.lastCollectionTime = t
	s.mu.Unlock()
}

// LastCollectionTime returns when the last cycle finished.
func (s *CollectionStats) LastCollectionTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCollectionTime
}

// StatsSnapshot holds a point-in-time snapshot of collection statistics.
type StatsSnapshot struct {
	TotalAttempts      uint64    `json:"total_attempts"`
	SuccessfulReads    uint64    `json:"successful_reads"`
	FailedReads        uint64    `json:"failed_reads"`
	Cycles             uint64    `json:"cycles"`
	SkippedCycles      uint64    `json:"skipped_cycles"`
	LastError          string    `json:"last_error,omitempty"`
	LastCollectionTime time.Time `json:"last_collection_time"`
}

// SuccessRate returns successful reads over attempts, or 0 before any attempt.
func (s StatsSnapshot) SuccessRate() float64 {
	if s.TotalAttempts == 0 {
		return 0
	}
	return float64(s.SuccessfulReads) / float64(s.TotalAttempts)
}

// Snapshot returns a copy of the current statistics.
func (s *CollectionStats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	lastErr, lastTime := s.lastError, s.lastCollectionTime
	s.mu.RUnlock()

	return StatsSnapshot{
		TotalAttempts:      s.TotalAttempts.Load(),
		SuccessfulReads:    s.SuccessfulReads.Load(),
		FailedReads:        s.FailedReads.Load(),
		Cycles:             s.Cycles.Load(),
		SkippedCycles:      s.SkippedCycles.Load(),
		LastError:          lastErr,
		LastCollectionTime: lastTime,
	}
}
