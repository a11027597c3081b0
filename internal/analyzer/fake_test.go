package analyzer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu       sync.Mutex
	meters   []domain.Meter
	readings map[string][]domain.MeterReading // oldest first
	failFor  map[string]error
	triggers []domain.Trigger
	alerts   []domain.Alert
}

func newFakeStore(meters ...domain.Meter) *fakeStore {
	return &fakeStore{
		meters:   meters,
		readings: make(map[string][]domain.MeterReading),
		failFor:  make(map[string]error),
	}
}

func (s *fakeStore) ActiveMeters(context.Context) ([]domain.Meter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Meter(nil), s.meters...), nil
}

func (s *fakeStore) LatestReading(_ context.Context, meterID string) (*domain.MeterReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[meterID]; err != nil {
		return nil, err
	}
	rs := s.readings[meterID]
	if len(rs) == 0 {
		return nil, nil
	}
	r := rs[len(rs)-1]
	return &r, nil
}

func (s *fakeStore) RecentReadings(_ context.Context, meterID string, since time.Time, limit int) ([]domain.MeterReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[meterID]; err != nil {
		return nil, err
	}
	var out []domain.MeterReading
	for _, r := range s.readings[meterID] {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) LogTrigger(_ context.Context, t domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, t)
	return nil
}

func (s *fakeStore) RecordAlert(_ context.Context, a domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *fakeStore) CountAlerts(_ context.Context, meterID string, alertType domain.TriggerType, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.MeterID == meterID && a.AlertType == alertType && !a.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) triggerTypes() []domain.TriggerType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TriggerType, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t.Type)
	}
	return out
}

func (s *fakeStore) triggersOf(tt domain.TriggerType) []domain.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trigger
	for _, t := range s.triggers {
		if t.Type == tt {
			out = append(out, t)
		}
	}
	return out
}

// addSeries appends readings of the power register, one per step, ending at end.
func (s *fakeStore) addSeries(meterID string, end time.Time, step time.Duration, values ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := end.Add(-time.Duration(len(values)-1) * step)
	for i, v := range values {
		s.readings[meterID] = append(s.readings[meterID], domain.MeterReading{
			MeterID:   meterID,
			Timestamp: start.Add(time.Duration(i) * step),
			Values:    map[string]*float64{"power": domain.Float(v)},
			Success:   true,
		})
	}
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.Alert
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, a domain.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, a)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

var errStoreDown = errors.New("store down")

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
