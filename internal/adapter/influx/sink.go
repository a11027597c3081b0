// Package influx exports meter readings to InfluxDB as points.
package influx

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/nexus-edge/meter-telemetry/internal/metrics"
	"github.com/rs/zerolog"
)

const sinkName = "influxdb"

// Config holds InfluxDB sink configuration.
type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Sink writes one point per reading: the meter ID is a tag and every
// decoded register is a float field. Failed registers are left out.
type Sink struct {
	client      influxdb2.Client
	writer      pointWriter
	measurement string
	logger      zerolog.Logger
	metrics     *metrics.Registry
}

// NewSink creates an InfluxDB sink using the blocking write API.
func NewSink(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Sink {
	client := influxdb2.NewClient(config.URL, config.Token)
	s := newSink(client.WriteAPIBlocking(config.Org, config.Bucket), config.Measurement, logger, metricsReg)
	s.client = client
	return s
}

func newSink(w pointWriter, measurement string, logger zerolog.Logger, metricsReg *metrics.Registry) *Sink {
	if measurement == "" {
		measurement = "meter_reading"
	}
	return &Sink{
		writer:      w,
		measurement: measurement,
		logger:      logger.With().Str("component", "influx-sink").Logger(),
		metrics:     metricsReg,
	}
}

// Name implements the collection sink interface.
func (s *Sink) Name() string {
	return sinkName
}

// Export writes the readings in one request.
func (s *Sink) Export(ctx context.Context, readings []domain.MeterReading) error {
	points := make([]*write.Point, 0, len(readings))
	for i := range readings {
		if p := s.buildPoint(&readings[i]); p != nil {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return nil
	}

	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSinkPublishFailed, err)
	}
	if s.metrics != nil {
		s.metrics.RecordSinkExport(sinkName, len(points))
	}
	return nil
}

// buildPoint returns nil when the reading has no decoded register.
func (s *Sink) buildPoint(r *domain.MeterReading) *write.Point {
	fields := make(map[string]interface{}, len(r.Values))
	for name, v := range r.Values {
		if v != nil {
			fields[name] = *v
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return write.NewPoint(s.measurement, map[string]string{"meter_id": r.MeterID}, fields, r.Timestamp)
}

// HealthCheck pings the InfluxDB server.
func (s *Sink) HealthCheck(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrSinkNotConnected
	}
	return nil
}

// Close releases the client.
func (s *Sink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
