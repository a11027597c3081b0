package analyzer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/nexus-edge/meter-telemetry/internal/metrics"
	"github.com/rs/zerolog"
)

// MonitorConfig holds the pattern and maintenance rule settings.
type MonitorConfig struct {
	Interval          time.Duration `json:"interval"`
	HistoricalDays    int           `json:"historical_days"`
	PatternWindow     int           `json:"pattern_window"`
	ZeroRun           int           `json:"zero_run"`
	StuckRun          int           `json:"stuck_run"`
	Sigma             float64       `json:"sigma"`
	MaintenanceWindow time.Duration `json:"maintenance_window"`
	UsageRegister     string        `json:"usage_register"`
	AnomalyDetection  bool          `json:"anomaly_detection"`
}

// Monitor looks for value patterns and maintenance deadlines on its own
// timer, independent of the Analyzer.
type Monitor struct {
	config     MonitorConfig
	store      ReadingStore
	dispatcher *Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Registry
	stats      *PassStats
	runner     *runner
	now        func() time.Time
}

// NewMonitor creates a pattern monitor.
func NewMonitor(
	config MonitorConfig,
	store ReadingStore,
	dispatcher *Dispatcher,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Monitor {
	m := &Monitor{
		config:     config,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "pattern_monitor").Logger(),
		metrics:    metricsReg,
		stats:      &PassStats{},
		now:        time.Now,
	}
	m.runner = &runner{
		name:     "pattern monitoring",
		interval: config.Interval,
		logger:   m.logger,
		now:      func() time.Time { return m.now() },
		pass: func(ctx context.Context) error {
			_, err := m.RunPass(ctx)
			return err
		},
	}
	return m
}

// Start begins periodic monitoring.
func (m *Monitor) Start(ctx context.Context) error {
	m.runner.start(ctx)
	return nil
}

// Stop stops periodic monitoring and waits for the running pass.
func (m *Monitor) Stop(ctx context.Context) error {
	return m.runner.stop(ctx)
}

// RunPass checks every active meter once and dispatches the triggers.
func (m *Monitor) RunPass(ctx context.Context) (PassResult, error) {
	start := time.Now()
	now := m.now()

	meters, err := m.store.ActiveMeters(ctx)
	if err != nil {
		err = &domain.PersistenceError{Op: "fetch active meters", Err: err}
		m.stats.setLastError(err)
		return PassResult{}, err
	}

	result := PassResult{Meters: len(meters)}
	var triggers []domain.Trigger
	var lastErr error
	for i := range meters {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		meter := &meters[i]
		if t, ok := m.checkMaintenance(meter, now); ok {
			triggers = append(triggers, t)
		}
		if !m.config.AnomalyDetection {
			continue
		}
		found, err := m.checkPatterns(ctx, meter.ID, now)
		if err != nil {
			m.logger.Error().Err(err).Str("meter_id", meter.ID).Msg("Pattern check failed")
			result.MeterErrors++
			lastErr = err
			continue
		}
		triggers = append(triggers, found...)
	}

	result.Dispatch = m.dispatcher.Dispatch(ctx, triggers)
	result.Duration = time.Since(start)
	m.stats.record(result.Meters, result.MeterErrors, result.Dispatch, lastErr, m.now())
	if m.metrics != nil {
		m.metrics.RecordAnalysisPass("patterns", result.Duration.Seconds(), result.MeterErrors)
	}

	m.logger.Info().
		Int("meters", result.Meters).
		Int("meter_errors", result.MeterErrors).
		Int("triggers", result.Dispatch.Fired).
		Dur("duration", result.Duration).
		Msg("Pattern pass completed")

	return result, nil
}

// checkMaintenance fires overdue once the date has passed and due inside
// MaintenanceWindow.
func (m *Monitor) checkMaintenance(meter *domain.Meter, now time.Time) (domain.Trigger, bool) {
	if meter.NextMaintenance == nil {
		return domain.Trigger{}, false
	}
	next := *meter.NextMaintenance
	until := next.Sub(now)
	data := map[string]any{"next_maintenance": next}

	switch {
	case until < 0:
		days := math.Ceil(-until.Hours() / 24)
		data["days_overdue"] = days
		return domain.NewTrigger(
			domain.TriggerMaintenanceOverdue, domain.SeverityHigh, meter.ID,
			fmt.Sprintf("maintenance overdue by %.0f days", days),
			data, now,
		), true
	case until <= m.config.MaintenanceWindow:
		days := math.Ceil(until.Hours() / 24)
		data["days_until"] = days
		return domain.NewTrigger(
			domain.TriggerMaintenanceDue, domain.SeverityMedium, meter.ID,
			fmt.Sprintf("maintenance due in %.0f days", days),
			data, now,
		), true
	}
	return domain.Trigger{}, false
}

func (m *Monitor) checkPatterns(ctx context.Context, meterID string, now time.Time) ([]domain.Trigger, error) {
	since := now.AddDate(0, 0, -m.config.HistoricalDays)
	readings, err := m.store.RecentReadings(ctx, meterID, since, m.config.PatternWindow)
	if err != nil {
		return nil, fmt.Errorf("recent readings: %w", err)
	}
	values := usageValues(readings, m.config.UsageRegister)
	if len(values) < 2 {
		return nil, nil
	}

	var triggers []domain.Trigger
	equal := func(a, b float64) bool { return a == b }

	if n, start := longestRun(values, func(v float64) bool { return v == 0 }, equal); n >= m.config.ZeroRun {
		triggers = append(triggers, domain.NewTrigger(
			domain.TriggerConsecutiveZeros, domain.SeverityMedium, meterID,
			fmt.Sprintf("%d consecutive zero readings", n),
			map[string]any{"run": n, "ongoing": start+n == len(values)}, now,
		))
	}

	// Zero runs are reported above, not as stuck values.
	if n, start := longestRun(values, func(v float64) bool { return v != 0 }, equal); n >= m.config.StuckRun {
		triggers = append(triggers, domain.NewTrigger(
			domain.TriggerStuckValue, domain.SeverityMedium, meterID,
			fmt.Sprintf("value %.3f repeated %d times", values[start], n),
			map[string]any{"run": n, "value": values[start], "ongoing": start+n == len(values)}, now,
		))
	}

	mu := mean(values)
	sigma := stddev(values, mu)
	outliers := 0
	maxDev := 0.0
	for _, v := range values {
		z, ok := zScore(v, mu, sigma)
		if !ok {
			break
		}
		if z > m.config.Sigma {
			outliers++
			maxDev = math.Max(maxDev, z)
		}
	}
	if outliers > 0 {
		triggers = append(triggers, domain.NewTrigger(
			domain.TriggerOutlier, domain.SeverityLow, meterID,
			fmt.Sprintf("%d readings beyond %.1f standard deviations", outliers, m.config.Sigma),
			map[string]any{"outliers": outliers, "max_deviation": maxDev, "mean": mu, "stddev": sigma}, now,
		))
	}
	return triggers, nil
}

// Stats returns the monitor statistics.
func (m *Monitor) Stats() PassSnapshot {
	return m.stats.Snapshot()
}

// HealthStatus returns the monitor health report.
func (m *Monitor) HealthStatus() HealthStatus {
	snap := m.stats.Snapshot()
	running := m.runner.running()
	return HealthStatus{
		IsHealthy:    healthy(running, snap, m.runner.since(), m.now(), m.config.Interval),
		IsMonitoring: running,
		Config:       m.config,
		Statistics:   snap,
	}
}

// HealthCheck implements health.Checker.
func (m *Monitor) HealthCheck(context.Context) error {
	if !m.HealthStatus().IsHealthy {
		return fmt.Errorf("pattern monitor is not healthy")
	}
	return nil
}
