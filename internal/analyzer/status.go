package analyzer

import (
	"sync"
	"sync/atomic"
	"time"
)

// PassStats tracks counters for one family of analysis passes.
type PassStats struct {
	Passes         atomic.Uint64
	MetersAnalyzed atomic.Uint64
	MeterErrors    atomic.Uint64
	TriggersFired  atomic.Uint64
	AlertsSent     atomic.Uint64
	AlertsLimited  atomic.Uint64

	mu        sync.RWMutex
	lastError string
	lastPass  time.Time
}

func (s *PassStats) record(meters, meterErrors int, res DispatchResult, lastErr error, at time.Time) {
	s.Passes.Add(1)
	s.MetersAnalyzed.Add(uint64(meters))
	s.MeterErrors.Add(uint64(meterErrors))
	s.TriggersFired.Add(uint64(res.Fired))
	s.AlertsSent.Add(uint64(res.Sent))
	s.AlertsLimited.Add(uint64(res.Suppressed))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPass = at
	if lastErr != nil {
		s.lastError = lastErr.Error()
	}
}

func (s *PassStats) setLastError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// PassSnapshot is a point-in-time copy of PassStats.
type PassSnapshot struct {
	Passes         uint64    `json:"passes"`
	MetersAnalyzed uint64    `json:"meters_analyzed"`
	MeterErrors    uint64    `json:"meter_errors"`
	TriggersFired  uint64    `json:"triggers_fired"`
	AlertsSent     uint64    `json:"alerts_sent"`
	AlertsLimited  uint64    `json:"alerts_limited"`
	LastError      string    `json:"last_error,omitempty"`
	LastPass       time.Time `json:"last_pass"`
}

// Snapshot returns a copy of the current statistics.
func (s *PassStats) Snapshot() PassSnapshot {
	s.mu.RLock()
	lastErr, lastPass := s.lastError, s.lastPass
	s.mu.RUnlock()

	return PassSnapshot{
		Passes:         s.Passes.Load(),
		MetersAnalyzed: s.MetersAnalyzed.Load(),
		MeterErrors:    s.MeterErrors.Load(),
		TriggersFired:  s.TriggersFired.Load(),
		AlertsSent:     s.AlertsSent.Load(),
		AlertsLimited:  s.AlertsLimited.Load(),
		LastError:      lastErr,
		LastPass:       lastPass,
	}
}

// HealthStatus is the analyzer or monitor health report.
type HealthStatus struct {
	IsHealthy    bool         `json:"is_healthy"`
	IsMonitoring bool         `json:"is_monitoring"`
	Config       any          `json:"config"`
	Statistics   PassSnapshot `json:"statistics"`
}

// healthy reports whether a running pass family completed a pass within
// three intervals. Before the first pass it is measured from startedAt.
func healthy(running bool, snap PassSnapshot, startedAt, now time.Time, interval time.Duration) bool {
	if !running {
		return false
	}
	ref := snap.LastPass
	if ref.IsZero() {
		ref = startedAt
	}
	return now.Sub(ref) <= 3*interval
}
