// Package analyzer turns persisted meter readings into triggers and
// rate-limited alerts.
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

// ReadingStore is the read side of the reading store.
type ReadingStore interface {
	ActiveMeters(ctx context.Context) ([]domain.Meter, error)
	// LatestReading returns nil when the meter never reported.
	LatestReading(ctx context.Context, meterID string) (*domain.MeterReading, error)
	// RecentReadings returns up to limit of the newest readings at or after
	// since, oldest first. A limit <= 0 returns all of them.
	RecentReadings(ctx context.Context, meterID string, since time.Time, limit int) ([]domain.MeterReading, error)
}

// AnalyzerConfig holds the offline, gap, usage and statistical rule settings.
type AnalyzerConfig struct {
	Interval         time.Duration `json:"interval"`
	OfflineTimeout   time.Duration `json:"offline_timeout"`
	CommunicationGap time.Duration `json:"communication_gap"`
	GapLookback      time.Duration `json:"gap_lookback"`
	HistoricalDays   int           `json:"historical_days"`
	BaselineReadings int           `json:"baseline_readings"`
	BaselineLimit    int           `json:"baseline_limit"`
	RecentWindow     int           `json:"recent_window"`
	ZScoreThreshold  float64       `json:"zscore_threshold"`
	UsageSpikeFactor float64       `json:"usage_spike_factor"`
	HighUsage        float64       `json:"high_usage"`
	LowUsage         float64       `json:"low_usage"`
	LowUsageFactor   float64       `json:"low_usage_factor"`
	UsageRegister    string        `json:"usage_register"`
	AnomalyDetection bool          `json:"anomaly_detection"`
}

// Analyzer evaluates communication and usage rules for every active meter.
type Analyzer struct {
	config     AnalyzerConfig
	store      ReadingStore
	dispatcher *Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Registry
	stats      *PassStats
	runner     *runner
	now        func() time.Time
}

// NewAnalyzer creates a new meter analyzer.
func NewAnalyzer(
	config AnalyzerConfig,
	store ReadingStore,
	dispatcher *Dispatcher,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Analyzer {
	a := &Analyzer{
		config:     config,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "analyzer").Logger(),
		metrics:    metricsReg,
		stats:      &PassStats{},
		now:        time.Now,
	}
	a.runner = &runner{
		name:     "meter analysis",
		interval: config.Interval,
		logger:   a.logger,
		now:      func() time.Time { return a.now() },
		pass: func(ctx context.Context) error {
			_, err := a.RunPass(ctx)
			return err
		},
	}
	return a
}

// Start begins periodic analysis.
func (a *Analyzer) Start(ctx context.Context) error {
	a.runner.start(ctx)
	return nil
}

// Stop stops periodic analysis and waits for the running pass.
func (a *Analyzer) Stop(ctx context.Context) error {
	return a.runner.stop(ctx)
}

// PassResult summarizes one analysis pass.
type PassResult struct {
	Meters      int
	MeterErrors int
	Dispatch    DispatchResult
	Duration    time.Duration
}

// RunPass analyzes every active meter once and dispatches the triggers.
// A meter whose analysis fails is logged and skipped.
func (a *Analyzer) RunPass(ctx context.Context) (PassResult, error) {
	start := time.Now()
	now := a.now()

	meters, err := a.store.ActiveMeters(ctx)
	if err != nil {
		err = &domain.PersistenceError{Op: "fetch active meters", Err: err}
		a.stats.setLastError(err)
		return PassResult{}, err
	}

	result := PassResult{Meters: len(meters)}
	var triggers []domain.Trigger
	var lastErr error
	for i := range meters {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		found, err := a.analyzeMeter(ctx, &meters[i], now)
		if err != nil {
			a.logger.Error().Err(err).Str("meter_id", meters[i].ID).Msg("Meter analysis failed")
			result.MeterErrors++
			lastErr = err
			continue
		}
		triggers = append(triggers, found...)
	}

	result.Dispatch = a.dispatcher.Dispatch(ctx, triggers)
	result.Duration = time.Since(start)
	a.stats.record(result.Meters, result.MeterErrors, result.Dispatch, lastErr, a.now())
	if a.metrics != nil {
		a.metrics.RecordAnalysisPass("analyzer", result.Duration.Seconds(), result.MeterErrors)
	}

	a.logger.Info().
		Int("meters", result.Meters).
		Int("meter_errors", result.MeterErrors).
		Int("triggers", result.Dispatch.Fired).
		Int("alerts_sent", result.Dispatch.Sent).
		Int("alerts_limited", result.Dispatch.Suppressed).
		Dur("duration", result.Duration).
		Msg("Analysis pass completed")

	return result, nil
}

func (a *Analyzer) analyzeMeter(ctx context.Context, m *domain.Meter, now time.Time) ([]domain.Trigger, error) {
	latest, err := a.store.LatestReading(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("latest reading: %w", err)
	}
	if latest == nil {
		return []domain.Trigger{domain.NewTrigger(
			domain.TriggerNoReadings, domain.SeverityHigh, m.ID,
			"no readings have ever been received",
			nil, now,
		)}, nil
	}

	silent := now.Sub(latest.Timestamp)
	if silent > a.config.OfflineTimeout {
		return []domain.Trigger{domain.NewTrigger(
			domain.TriggerCommunicationTimeout, domain.SeverityHigh, m.ID,
			fmt.Sprintf("no readings for %s", silent.Truncate(time.Second)),
			map[string]any{
				"last_reading":    latest.Timestamp,
				"minutes_offline": math.Floor(silent.Minutes()),
			}, now,
		)}, nil
	}

	var triggers []domain.Trigger

	recent, err := a.store.RecentReadings(ctx, m.ID, now.Add(-a.config.GapLookback), 0)
	if err != nil {
		return nil, fmt.Errorf("recent readings: %w", err)
	}
	if t, ok := a.checkGaps(m.ID, recent, now); ok {
		triggers = append(triggers, t)
	}

	if !a.config.AnomalyDetection {
		return triggers, nil
	}

	since := now.AddDate(0, 0, -a.config.HistoricalDays)
	history, err := a.store.RecentReadings(ctx, m.ID, since, a.config.BaselineLimit)
	if err != nil {
		return nil, fmt.Errorf("historical readings: %w", err)
	}
	values := usageValues(history, a.config.UsageRegister)
	if len(values) < 2 || len(values) < a.config.BaselineReadings {
		a.logger.Debug().
			Str("meter_id", m.ID).
			Int("readings", len(values)).
			Int("required", a.config.BaselineReadings).
			Msg("Not enough history for usage analysis")
		return triggers, nil
	}

	triggers = append(triggers, a.checkUsage(m.ID, values, now)...)
	if t, ok := a.checkStatistical(m.ID, values, now); ok {
		triggers = append(triggers, t)
	}
	return triggers, nil
}

// checkGaps reports one trigger covering every interval between
// consecutive readings longer than CommunicationGap.
func (a *Analyzer) checkGaps(meterID string, readings []domain.MeterReading, now time.Time) (domain.Trigger, bool) {
	gaps := 0
	var longest time.Duration
	for i := 1; i < len(readings); i++ {
		d := readings[i].Timestamp.Sub(readings[i-1].Timestamp)
		if d > a.config.CommunicationGap {
			gaps++
			if d > longest {
				longest = d
			}
		}
	}
	if gaps == 0 {
		return domain.Trigger{}, false
	}
	return domain.NewTrigger(
		domain.TriggerCommunicationGaps, domain.SeverityMedium, meterID,
		fmt.Sprintf("%d communication gaps in the last %s", gaps, a.config.GapLookback),
		map[string]any{
			"gap_count":       gaps,
			"longest_gap_sec": longest.Seconds(),
			"lookback_sec":    a.config.GapLookback.Seconds(),
		}, now,
	), true
}

// checkUsage applies the threshold rules to the newest value. The average
// is taken over the values before it.
func (a *Analyzer) checkUsage(meterID string, values []float64, now time.Time) []domain.Trigger {
	var triggers []domain.Trigger
	current := values[len(values)-1]
	avg := mean(values[:len(values)-1])
	reg := a.config.UsageRegister

	if current > a.config.HighUsage {
		triggers = append(triggers, domain.NewTrigger(
			domain.TriggerHighUsage, domain.SeverityHigh, meterID,
			fmt.Sprintf("%s %.3f exceeds %.3f", reg, current, a.config.HighUsage),
			map[string]any{"value": current, "threshold": a.config.HighUsage}, now,
		))
	}
	if avg > 0 && current > avg*a.config.UsageSpikeFactor {
		triggers = append(triggers, domain.NewTrigger(
			domain.TriggerUsageSpike, domain.SeverityMedium, meterID,
			fmt.Sprintf("%s %.3f is over %.1fx the average %.3f", reg, current, a.config.UsageSpikeFactor, avg),
			map[string]any{"value": current, "average": avg, "factor": a.config.UsageSpikeFactor}, now,
		))
	}
	if current < a.config.LowUsage && avg > a.config.LowUsage*a.config.LowUsageFactor {
		triggers = append(triggers, domain.NewTrigger(
			domain.TriggerLowUsage, domain.SeverityLow, meterID,
			fmt.Sprintf("%s %.3f is below %.3f while the average is %.3f", reg, current, a.config.LowUsage, avg),
			map[string]any{"value": current, "average": avg, "threshold": a.config.LowUsage}, now,
		))
	}
	return triggers
}

// checkStatistical scores the RecentWindow newest values against the whole
// baseline. A flat baseline is skipped.
func (a *Analyzer) checkStatistical(meterID string, values []float64, now time.Time) (domain.Trigger, bool) {
	mu := mean(values)
	sigma := stddev(values, mu)

	window := a.config.RecentWindow
	if window > len(values) {
		window = len(values)
	}

	anomalies := 0
	maxZ := 0.0
	for _, v := range values[len(values)-window:] {
		z, ok := zScore(v, mu, sigma)
		if !ok {
			return domain.Trigger{}, false
		}
		if z > a.config.ZScoreThreshold {
			anomalies++
			if z > maxZ {
				maxZ = z
			}
		}
	}
	if anomalies == 0 {
		return domain.Trigger{}, false
	}
	return domain.NewTrigger(
		domain.TriggerStatisticalAnomaly, domain.SeverityMedium, meterID,
		fmt.Sprintf("%d of the last %d readings deviate more than %.1f standard deviations", anomalies, window, a.config.ZScoreThreshold),
		map[string]any{
			"anomalies": anomalies,
			"max_z":     maxZ,
			"mean":      mu,
			"median":    median(values),
			"stddev":    sigma,
		}, now,
	), true
}

// usageValues extracts the named register, skipping readings without it.
func usageValues(readings []domain.MeterReading, register string) []float64 {
	values := make([]float64, 0, len(readings))
	for i := range readings {
		if v, ok := readings[i].Value(register); ok {
			values = append(values, v)
		}
	}
	return values
}

// Stats returns the analyzer statistics.
func (a *Analyzer) Stats() PassSnapshot {
	return a.stats.Snapshot()
}

// HealthStatus returns the analyzer health report.
func (a *Analyzer) HealthStatus() HealthStatus {
	snap := a.stats.Snapshot()
	running := a.runner.running()
	return HealthStatus{
		IsHealthy:    healthy(running, snap, a.runner.since(), a.now(), a.config.Interval),
		IsMonitoring: running,
		Config:       a.config,
		Statistics:   snap,
	}
}

// HealthCheck implements health.Checker.
func (a *Analyzer) HealthCheck(context.Context) error {
	if !a.HealthStatus().IsHealthy {
		return fmt.Errorf("analyzer is not healthy")
	}
	return nil
}
