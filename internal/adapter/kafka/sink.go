// Package kafka exports meter readings to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/nexus-edge/meter-telemetry/internal/metrics"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

const sinkName = "kafka"

// Config holds Kafka sink configuration.
type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Sink writes one message per reading, keyed by meter ID so a meter's
// readings stay ordered within one partition.
type Sink struct {
	writer  messageWriter
	topic   string
	logger  zerolog.Logger
	metrics *metrics.Registry
}

// NewSink creates a Kafka sink.
func NewSink(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Sink {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafkago.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafkago.RequireOne,
	}
	return newSink(w, config.Topic, logger, metricsReg)
}

func newSink(w messageWriter, topic string, logger zerolog.Logger, metricsReg *metrics.Registry) *Sink {
	return &Sink{
		writer:  w,
		topic:   topic,
		logger:  logger.With().Str("component", "kafka-sink").Str("topic", topic).Logger(),
		metrics: metricsReg,
	}
}

// Name implements the collection sink interface.
func (s *Sink) Name() string {
	return sinkName
}

// Export writes the readings as one batch.
func (s *Sink) Export(ctx context.Context, readings []domain.MeterReading) error {
	if len(readings) == 0 {
		return nil
	}

	msgs := make([]kafkago.Message, 0, len(readings))
	for i := range readings {
		payload, err := readings[i].ToJSON()
		if err != nil {
			return fmt.Errorf("failed to serialize reading: %w", err)
		}
		msgs = append(msgs, kafkago.Message{
			Key:   []byte(readings[i].MeterID),
			Value: payload,
			Time:  readings[i].Timestamp,
		})
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSinkPublishFailed, err)
	}
	if s.metrics != nil {
		s.metrics.RecordSinkExport(sinkName, len(msgs))
	}
	s.logger.Debug().Int("messages", len(msgs)).Msg("Exported readings")
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
