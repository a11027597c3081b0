package analyzer

import (
	"context"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/rs/zerolog"
)

// Notifier delivers an alert to operators.
type Notifier interface {
	Notify(ctx context.Context, alert domain.Alert) error
}

// LogNotifier writes alerts to the service log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs alerts.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alerts").Logger()}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, alert domain.Alert) error {
	n.logger.Warn().
		Str("meter_id", alert.MeterID).
		Str("alert_type", string(alert.AlertType)).
		Str("severity", string(alert.Severity)).
		Time("sent_at", alert.SentAt).
		Msg(alert.Message)
	return nil
}

// MultiNotifier fans an alert out to several notifiers. Every notifier is
// tried; the first error is returned.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil && first == nil {
			first = err
		}
	}
	return first
}
