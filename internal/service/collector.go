// Package service provides the collection scheduler that polls the meter
// fleet over Modbus and persists the readings.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/nexus-edge/meter-telemetry/internal/metrics"
	"github.com/nexus-edge/meter-telemetry/pkg/logging"
	"github.com/rs/zerolog"
)

// MeterReader performs one logical meter read.
type MeterReader interface {
	ReadMeterData(ctx context.Context, target domain.Target, rm domain.RegisterMap) domain.MeterReading
}

// ProfileResolver maps a meter's profile name to its register map.
type ProfileResolver interface {
	Resolve(profile string) (domain.RegisterMap, error)
}

// Store is the persistence the collector needs.
type Store interface {
	ActiveMeters(ctx context.Context) ([]domain.Meter, error)
	InsertReadings(ctx context.Context, readings []domain.MeterReading) error
	InsertReading(ctx context.Context, reading domain.MeterReading) error
}

// ReadingSink receives persisted readings for export downstream.
type ReadingSink interface {
	Name() string
	Export(ctx context.Context, readings []domain.MeterReading) error
}

// State is the scheduler state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CollectorConfig holds configuration for the collection scheduler.
type CollectorConfig struct {
	Interval         time.Duration `json:"interval"`
	BatchSize        int           `json:"batch_size"`
	BatchDelay       time.Duration `json:"batch_delay"`
	Timeout          time.Duration `json:"timeout"`
	RetryAttempts    int           `json:"retry_attempts"`
	RetryDelay       time.Duration `json:"retry_delay"`
	StatsLogInterval time.Duration `json:"stats_log_interval"`
}

// Collector polls every active meter on a fixed interval. A cycle runs,
// then the next one is scheduled, so cycles never overlap.
type Collector struct {
	config   CollectorConfig
	reader   MeterReader
	profiles ProfileResolver
	store    Store
	sinks    []ReadingSink
	logger   zerolog.Logger
	metrics  *metrics.Registry
	stats    *CollectionStats

	state      atomic.Int32
	inProgress atomic.Bool
	started    atomic.Bool
	startedAt  atomic.Int64
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex

	// sleep waits d or until ctx is done; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewCollector creates a new collection scheduler.
func NewCollector(
	config CollectorConfig,
	reader MeterReader,
	profiles ProfileResolver,
	store Store,
	sinks []ReadingSink,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Collector {
	return &Collector{
		config:   config,
		reader:   reader,
		profiles: profiles,
		store:    store,
		sinks:    sinks,
		logger:   logger.With().Str("component", "collector").Logger(),
		metrics:  metricsReg,
		stats:    &CollectionStats{},
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins periodic collection. The first cycle runs immediately.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started.Load() {
		return nil
	}
	if State(c.state.Load()) == StateStopped {
		return domain.ErrServiceStopped
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.started.Store(true)
	c.startedAt.Store(c.now().UnixNano())

	c.logger.Info().
		Dur("interval", c.config.Interval).
		Int("batch_size", c.config.BatchSize).
		Dur("timeout", c.config.Timeout).
		Int("retry_attempts", c.config.RetryAttempts).
		Msg("Starting meter collection")

	c.wg.Add(2)
	go c.loop(ctx)
	go c.statsLoop(ctx)

	return nil
}

// Stop cancels the schedule and the stats timer and waits for the
// running cycle to finish or ctx to expire.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started.Load() {
		c.state.Store(int32(StateStopped))
		return nil
	}

	c.logger.Info().Msg("Stopping meter collection")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		c.logger.Info().Msg("Meter collection stopped")
	case <-ctx.Done():
		c.logger.Warn().Msg("Timeout waiting for collection cycle to stop")
		err = ctx.Err()
	}

	c.started.Store(false)
	c.state.Store(int32(StateStopped))
	return err
}

// loop is the self-rescheduling cycle driver: run, then wait Interval.
func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		if _, err := c.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("Collection cycle failed")
		}
		if err := c.sleep(ctx, c.config.Interval); err != nil {
			return
		}
	}
}

func (c *Collector) statsLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.StatsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.stats.Snapshot()
			c.logger.Info().
				Uint64("total_attempts", s.TotalAttempts).
				Uint64("successful_reads", s.SuccessfulReads).
				Uint64("failed_reads", s.FailedReads).
				Uint64("cycles", s.Cycles).
				Uint64("skipped_cycles", s.SkippedCycles).
				Float64("success_rate", s.SuccessRate()).
				Str("last_error", s.LastError).
				Msg("Collection statistics")
		}
	}
}

// CycleResult summarizes one collection cycle.
type CycleResult struct {
	Meters    int
	Batches   int
	Succeeded int
	Failed    int
	Persisted int
	Duration  time.Duration
}

type job struct {
	target    domain.Target
	registers domain.RegisterMap
}

// RunCycle polls every active meter once. A call made while another cycle
// is running is skipped and returns domain.ErrCycleInProgress.
func (c *Collector) RunCycle(ctx context.Context) (CycleResult, error) {
	if State(c.state.Load()) == StateStopped {
		return CycleResult{}, domain.ErrServiceStopped
	}
	if !c.inProgress.CompareAndSwap(false, true) {
		c.stats.SkippedCycles.Add(1)
		if c.metrics != nil {
			c.metrics.RecordCycleSkipped()
		}
		c.logger.Warn().Msg("Collection cycle skipped: previous cycle still running")
		return CycleResult{}, domain.ErrCycleInProgress
	}
	defer c.inProgress.Store(false)

	c.state.CompareAndSwap(int32(StateIdle), int32(StateRunning))
	defer c.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))

	start := time.Now()
	result := CycleResult{}

	meters, err := c.store.ActiveMeters(ctx)
	if err != nil {
		err = &domain.PersistenceError{Op: "fetch active meters", Err: err}
		c.stats.setLastError(err)
		return result, err
	}

	jobs := c.plan(meters)
	result.Meters = len(jobs)

	var readings []domain.MeterReading
	batchSize := c.config.BatchSize
	for i := 0; i < len(jobs); i += batchSize {
		if i > 0 {
			if err := c.sleep(ctx, c.config.BatchDelay); err != nil {
				return result, err
			}
		}
		end := i + batchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		batch := jobs[i:end]
		result.Batches++

		var succeeded, failed uint64
		for _, r := range c.readBatch(ctx, batch) {
			if r.Success {
				readings = append(readings, r)
				succeeded++
			} else {
				failed++
			}
		}
		result.Succeeded += int(succeeded)
		result.Failed += int(failed)

		c.stats.TotalAttempts.Add(uint64(len(batch)))
		c.stats.SuccessfulReads.Add(succeeded)
		c.stats.FailedReads.Add(failed)
		c.logger.Debug().
			Int("batch", result.Batches).
			Int("meters", len(batch)).
			Msg("Batch completed")
	}
	persistErr := c.persist(ctx, readings)
	if persistErr == nil {
		result.Persisted = len(readings)
		c.export(ctx, readings)
	}

	result.Duration = time.Since(start)
	c.stats.Cycles.Add(1)
	c.stats.setLastCollection(c.now())
	if c.metrics != nil {
		c.metrics.RecordCycle(result.Duration.Seconds(), result.Meters)
	}

	c.logger.Info().
		Int("meters", result.Meters).
		Int("batches", result.Batches).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("persisted", result.Persisted).
		Dur("duration", result.Duration).
		Msg("Collection cycle completed")

	return result, persistErr
}

// plan resolves each meter's register map and keeps one job per session key,
// so no key is read twice in one cycle.
func (c *Collector) plan(meters []domain.Meter) []job {
	jobs := make([]job, 0, len(meters))
	seen := make(map[string]string, len(meters))
	for i := range meters {
		m := &meters[i]
		if m.Status != "" && m.Status != domain.MeterStatusActive {
			continue
		}
		if err := m.Validate(); err != nil {
			c.logger.Warn().Err(err).Str("meter_id", m.ID).Msg("Skipping invalid meter")
			continue
		}
		target := m.Target()
		if prev, dup := seen[target.Key()]; dup {
			c.logger.Warn().
				Str("meter_id", m.ID).
				Str("duplicate_of", prev).
				Str("key", target.Key()).
				Msg("Skipping meter sharing a session key with another meter")
			continue
		}
		rm, err := c.profiles.Resolve(m.Profile)
		if err != nil {
			c.logger.Warn().Err(err).Str("meter_id", m.ID).Msg("Skipping meter without register map")
			continue
		}
		seen[target.Key()] = m.ID
		jobs = append(jobs, job{target: target, registers: rm})
	}
	return jobs
}

// readBatch reads all meters of a batch concurrently. Results keep batch order.
func (c *Collector) readBatch(ctx context.Context, batch []job) []domain.MeterReading {
	results := make([]domain.MeterReading, len(batch))
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.readWithRetry(ctx, batch[i])
		}(i)
	}
	wg.Wait()
	return results
}

// readWithRetry bounds every attempt by Timeout and retries failed reads
// with exponential backoff. A timeout cancels only this meter's attempt.
func (c *Collector) readWithRetry(ctx context.Context, j job) domain.MeterReading {
	logger := logging.WithMeterContext(c.logger, j.target.MeterID, j.target.Address())
	var reading domain.MeterReading
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt)
			logger.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying meter read")
			if err := c.sleep(ctx, delay); err != nil {
				break
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		reading = c.reader.ReadMeterData(attemptCtx, j.target, j.registers)
		cancel()

		if reading.Success {
			return reading
		}
		if errors.Is(reading.Err, domain.ErrCircuitBreakerOpen) || ctx.Err() != nil {
			break
		}
	}

	logger.Warn().
		Str("error", reading.ErrorMessage).
		Msg("Meter read failed")
	return reading
}

// calculateBackoff calculates exponential backoff delay.
func (c *Collector) calculateBackoff(attempt int) time.Duration {
	delay := c.config.RetryDelay * time.Duration(1<<uint(attempt))
	maxDelay := 10 * time.Second
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// persist writes a cycle's successful readings: one batch insert for more
// than one reading, a single insert otherwise.
func (c *Collector) persist(ctx context.Context, readings []domain.MeterReading) error {
	if len(readings) == 0 {
		return nil
	}

	var err error
	if len(readings) > 1 {
		err = c.store.InsertReadings(ctx, readings)
	} else {
		err = c.store.InsertReading(ctx, readings[0])
	}
	if c.metrics != nil {
		c.metrics.RecordPersisted(len(readings), err)
	}
	if err != nil {
		var pe *domain.PersistenceError
		if !errors.As(err, &pe) {
			err = &domain.PersistenceError{Op: fmt.Sprintf("insert %d readings", len(readings)), Err: err}
		}
		c.stats.setLastError(err)
		c.logger.Error().Err(err).Int("readings", len(readings)).Msg("Failed to persist readings")
		return err
	}
	return nil
}

// export hands persisted readings to every sink. Sink failures are logged only.
func (c *Collector) export(ctx context.Context, readings []domain.MeterReading) {
	if len(readings) == 0 {
		return
	}
	for _, sink := range c.sinks {
		if err := sink.Export(ctx, readings); err != nil {
			if c.metrics != nil {
				c.metrics.RecordSinkError(sink.Name())
			}
			c.logger.Warn().Err(err).Str("sink", sink.Name()).Int("readings", len(readings)).Msg("Failed to export readings")
		}
	}
}

// Stats returns a snapshot of the collection statistics.
func (c *Collector) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// State returns the scheduler state.
func (c *Collector) State() State {
	return State(c.state.Load())
}

// HealthStatus is the collector's view for operational dashboards.
type HealthStatus struct {
	IsHealthy    bool            `json:"is_healthy"`
	IsCollecting bool            `json:"is_collecting"`
	State        string          `json:"state"`
	Config       CollectorConfig `json:"config"`
	Statistics   StatsSnapshot   `json:"statistics"`
}

// HealthStatus reports whether collection is running and keeping up.
func (c *Collector) HealthStatus() HealthStatus {
	return HealthStatus{
		IsHealthy:    c.healthy() == nil,
		IsCollecting: c.started.Load(),
		State:        c.State().String(),
		Config:       c.config,
		Statistics:   c.stats.Snapshot(),
	}
}

// HealthCheck implements the health.Checker interface.
func (c *Collector) HealthCheck(ctx context.Context) error {
	return c.healthy()
}

// healthy requires the schedule to be running and a cycle to have finished
// within three intervals (of now, or of start before the first cycle).
func (c *Collector) healthy() error {
	if !c.started.Load() {
		return domain.ErrServiceStopped
	}
	last := c.stats.LastCollectionTime()
	if last.IsZero() {
		last = time.Unix(0, c.startedAt.Load())
	}
	if age := c.now().Sub(last); age > 3*c.config.Interval {
		return fmt.Errorf("no collection cycle completed for %s", age.Round(time.Second))
	}
	return nil
}
