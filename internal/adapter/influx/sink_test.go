package influx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/rs/zerolog"
)

type fakeWriter struct {
	points []*write.Point
	err    error
}

func (w *fakeWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, points...)
	return nil
}

func TestSink_Export(t *testing.T) {
	w := &fakeWriter{}
	s := newSink(w, "", zerolog.Nop(), nil)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	readings := []domain.MeterReading{
		{MeterID: "m1", Timestamp: at, Values: map[string]*float64{"voltage": domain.Float(230.1), "current": nil}, Success: true},
		{MeterID: "m2", Timestamp: at, Values: map[string]*float64{"voltage": nil}, Success: true},
	}
	if err := s.Export(context.Background(), readings); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.points) != 1 {
		t.Fatalf("expected only the reading with decoded values written, got %d", len(w.points))
	}

	p := w.points[0]
	if p.Name() != "meter_reading" {
		t.Errorf("expected default measurement, got %s", p.Name())
	}
	tags := p.TagList()
	if len(tags) != 1 || tags[0].Key != "meter_id" || tags[0].Value != "m1" {
		t.Errorf("unexpected tags: %+v", tags)
	}
	fields := p.FieldList()
	if len(fields) != 1 || fields[0].Key != "voltage" || fields[0].Value != 230.1 {
		t.Errorf("unexpected fields: %+v", fields)
	}
	if !p.Time().Equal(at) {
		t.Errorf("expected reading timestamp, got %v", p.Time())
	}
}

func TestSink_ExportError(t *testing.T) {
	s := newSink(&fakeWriter{err: errors.New("unauthorized")}, "energy", zerolog.Nop(), nil)
	reading := domain.MeterReading{MeterID: "m1", Values: map[string]*float64{"power": domain.Float(1)}}

	if err := s.Export(context.Background(), []domain.MeterReading{reading}); !errors.Is(err, domain.ErrSinkPublishFailed) {
		t.Errorf("expected ErrSinkPublishFailed, got %v", err)
	}
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected nil health error without client, got %v", err)
	}
}
