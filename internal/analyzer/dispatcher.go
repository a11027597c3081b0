package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/nexus-edge/meter-telemetry/internal/metrics"
	"github.com/rs/zerolog"
)

// TriggerLog is the append-only trigger log.
type TriggerLog interface {
	LogTrigger(ctx context.Context, trigger domain.Trigger) error
}

// AlertLog records dispatched alerts.
type AlertLog interface {
	RecordAlert(ctx context.Context, alert domain.Alert) error
}

// DispatchResult counts what happened to one pass's triggers.
type DispatchResult struct {
	Fired      int
	Sent       int
	Suppressed int
	Failed     int
}

// Dispatcher logs triggers and turns them into rate-limited alerts.
type Dispatcher struct {
	triggers TriggerLog
	alerts   AlertLog
	limiter  RateLimiter
	notifier Notifier
	logger   zerolog.Logger
	metrics  *metrics.Registry
	now      func() time.Time
}

// NewDispatcher creates a trigger dispatcher.
func NewDispatcher(
	triggers TriggerLog,
	alerts AlertLog,
	limiter RateLimiter,
	notifier Notifier,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Dispatcher {
	return &Dispatcher{
		triggers: triggers,
		alerts:   alerts,
		limiter:  limiter,
		notifier: notifier,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		metrics:  metricsReg,
		now:      time.Now,
	}
}

// Dispatch handles one pass's triggers. A (meter, type) pair fires at most
// once; later duplicates in the same slice are dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, triggers []domain.Trigger) DispatchResult {
	var result DispatchResult
	seen := make(map[string]struct{}, len(triggers))

	for _, t := range triggers {
		k := t.MeterID + "|" + string(t.Type)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		logger := d.logger.With().
			Str("meter_id", t.MeterID).
			Str("trigger_type", string(t.Type)).
			Logger()

		if err := d.triggers.LogTrigger(ctx, t); err != nil {
			logger.Error().Err(err).Msg("Failed to log trigger")
			result.Failed++
			continue
		}
		result.Fired++
		if d.metrics != nil {
			d.metrics.RecordTrigger(string(t.Type))
		}

		var sent bool
		var err error
		switch t.Type.Category() {
		case domain.CategoryCommunication:
			sent, err = d.handleCommunication(ctx, t)
		case domain.CategoryMaintenance:
			sent, err = d.handleMaintenance(ctx, t)
		default:
			sent, err = d.handleUsage(ctx, t)
		}

		switch {
		case err != nil:
			logger.Error().Err(err).Msg("Failed to dispatch alert")
			result.Failed++
		case sent:
			result.Sent++
		default:
			result.Suppressed++
		}
	}
	return result
}

func (d *Dispatcher) handleCommunication(ctx context.Context, t domain.Trigger) (bool, error) {
	alert := domain.NewAlert(t, d.now())
	alert.Message = fmt.Sprintf("Communication issue on meter %s: %s", t.MeterID, t.Message)
	return d.send(ctx, alert)
}

func (d *Dispatcher) handleUsage(ctx context.Context, t domain.Trigger) (bool, error) {
	alert := domain.NewAlert(t, d.now())
	alert.Message = fmt.Sprintf("Usage anomaly on meter %s: %s", t.MeterID, t.Message)
	return d.send(ctx, alert)
}

func (d *Dispatcher) handleMaintenance(ctx context.Context, t domain.Trigger) (bool, error) {
	alert := domain.NewAlert(t, d.now())
	alert.Message = fmt.Sprintf("Maintenance notice for meter %s: %s", t.MeterID, t.Message)
	return d.send(ctx, alert)
}

// send checks the rate limit, notifies and records the alert. It returns
// false without error when the alert was rate limited.
func (d *Dispatcher) send(ctx context.Context, alert domain.Alert) (bool, error) {
	allowed, err := d.limiter.Allow(ctx, alert.MeterID, alert.AlertType, alert.SentAt)
	if err != nil {
		return false, err
	}
	if !allowed {
		d.logger.Debug().
			Str("meter_id", alert.MeterID).
			Str("alert_type", string(alert.AlertType)).
			Msg("Alert rate limited")
		if d.metrics != nil {
			d.metrics.RecordAlert(string(alert.AlertType), false)
		}
		return false, nil
	}

	if err := d.notifier.Notify(ctx, alert); err != nil {
		return false, fmt.Errorf("notify: %w", err)
	}
	if err := d.alerts.RecordAlert(ctx, alert); err != nil {
		return true, &domain.PersistenceError{Op: "record alert", Err: err}
	}
	if err := d.limiter.Mark(ctx, alert); err != nil {
		d.logger.Warn().Err(err).Str("meter_id", alert.MeterID).Msg("Failed to mark alert in rate limiter")
	}
	if d.metrics != nil {
		d.metrics.RecordAlert(string(alert.AlertType), true)
	}
	return true, nil
}
