// Package postgres implements the meter, reading, trigger and alert store
// on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexus-edge/meter-telemetry/internal/adapter/config"
	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/nexus-edge/meter-telemetry/internal/metrics"
	"github.com/rs/zerolog"
)

// Repository is the PostgreSQL store.
type Repository struct {
	pool    *pgxpool.Pool
	logger  zerolog.Logger
	metrics *metrics.Registry
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRepository connects to PostgreSQL and starts pool monitoring. The
// schema is created when cfg.EnsureSchema is set.
func NewRepository(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger, metricsReg *metrics.Registry) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	r := &Repository{
		pool:    pool,
		logger:  logger.With().Str("component", "postgres").Logger(),
		metrics: metricsReg,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if cfg.EnsureSchema {
		if err := r.EnsureSchema(ctx); err != nil {
			cancel()
			pool.Close()
			return nil, err
		}
	}

	go r.monitorConnections(monitorCtx)
	return r, nil
}

// monitorConnections publishes pool statistics until ctx is cancelled.
func (r *Repository) monitorConnections(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := r.pool.Stat()
			if r.metrics != nil {
				r.metrics.UpdateStoreConnections(int(stats.AcquiredConns()), int(stats.IdleConns()))
			}
			r.logger.Debug().
				Int32("acquired", stats.AcquiredConns()).
				Int32("idle", stats.IdleConns()).
				Int32("max", stats.MaxConns()).
				Msg("Database connection stats")
		}
	}
}

func (r *Repository) observe(op string, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordQuery(op, time.Since(start).Seconds())
	}
}

// EnsureSchema creates missing tables and indexes.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// ActiveMeters returns every meter with status active.
func (r *Repository) ActiveMeters(ctx context.Context) ([]domain.Meter, error) {
	defer r.observe("active_meters", time.Now())

	const query = `SELECT id, name, host, port, unit_id, status, profile, next_maintenance
		FROM meters WHERE status = $1 ORDER BY id`

	rows, err := r.pool.Query(ctx, query, string(domain.MeterStatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query meters: %w", err)
	}
	defer rows.Close()

	var meters []domain.Meter
	for rows.Next() {
		var (
			m      domain.Meter
			unitID int16
			status string
		)
		if err := rows.Scan(&m.ID, &m.Name, &m.Host, &m.Port, &unitID, &status, &m.Profile, &m.NextMaintenance); err != nil {
			return nil, fmt.Errorf("failed to scan meter: %w", err)
		}
		if m.UnitID, err = toUnitID(unitID); err != nil {
			r.logger.Warn().Err(err).Str("meter_id", m.ID).Msg("Skipping meter with out-of-range unit ID")
			continue
		}
		m.Status = domain.MeterStatus(status)
		meters = append(meters, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate meters: %w", err)
	}
	return meters, nil
}

// toUnitID narrows a stored SMALLINT unit ID, rejecting values a Modbus
// unit identifier byte cannot hold.
func toUnitID(v int16) (uint8, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("%w: %d", domain.ErrInvalidUnitID, v)
	}
	return uint8(v), nil
}

var readingColumns = []string{"meter_id", "ts", "register_values", "success", "error_message"}

// InsertReadings writes readings with one COPY.
func (r *Repository) InsertReadings(ctx context.Context, readings []domain.MeterReading) error {
	defer r.observe("insert_readings", time.Now())

	rows := make([][]any, 0, len(readings))
	for i := range readings {
		values, err := json.Marshal(readings[i].Values)
		if err != nil {
			return fmt.Errorf("failed to encode values for meter %s: %w", readings[i].MeterID, err)
		}
		rows = append(rows, []any{
			readings[i].MeterID,
			readings[i].Timestamp,
			values,
			readings[i].Success,
			readings[i].ErrorMessage,
		})
	}

	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"meter_readings"}, readingColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy readings: %w", err)
	}
	if int(n) != len(readings) {
		return fmt.Errorf("copied %d of %d readings", n, len(readings))
	}
	return nil
}

// InsertReading writes a single reading.
func (r *Repository) InsertReading(ctx context.Context, reading domain.MeterReading) error {
	defer r.observe("insert_reading", time.Now())

	values, err := json.Marshal(reading.Values)
	if err != nil {
		return fmt.Errorf("failed to encode values: %w", err)
	}

	const query = `INSERT INTO meter_readings (meter_id, ts, register_values, success, error_message)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.pool.Exec(ctx, query, reading.MeterID, reading.Timestamp, values, reading.Success, reading.ErrorMessage); err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// LatestReading returns the newest reading of a meter, or nil when it has none.
func (r *Repository) LatestReading(ctx context.Context, meterID string) (*domain.MeterReading, error) {
	defer r.observe("latest_reading", time.Now())

	const query = `SELECT meter_id, ts, register_values, success, error_message
		FROM meter_readings WHERE meter_id = $1 ORDER BY ts DESC LIMIT 1`

	reading, err := scanReading(r.pool.QueryRow(ctx, query, meterID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest reading: %w", err)
	}
	return &reading, nil
}

// RecentReadings returns up to limit of the newest readings at or after
// since, oldest first. A limit <= 0 returns all of them.
func (r *Repository) RecentReadings(ctx context.Context, meterID string, since time.Time, limit int) ([]domain.MeterReading, error) {
	defer r.observe("recent_readings", time.Now())

	const query = `SELECT meter_id, ts, register_values, success, error_message FROM (
			SELECT meter_id, ts, register_values, success, error_message
			FROM meter_readings WHERE meter_id = $1 AND ts >= $2
			ORDER BY ts DESC LIMIT $3
		) recent ORDER BY ts ASC`

	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := r.pool.Query(ctx, query, meterID, since, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []domain.MeterReading
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}
	return readings, nil
}

func scanReading(row pgx.Row) (domain.MeterReading, error) {
	var (
		reading domain.MeterReading
		raw     []byte
	)
	if err := row.Scan(&reading.MeterID, &reading.Timestamp, &raw, &reading.Success, &reading.ErrorMessage); err != nil {
		return reading, err
	}
	if err := json.Unmarshal(raw, &reading.Values); err != nil {
		return reading, fmt.Errorf("decode values: %w", err)
	}
	return reading, nil
}

// LogTrigger appends a trigger to the trigger log.
func (r *Repository) LogTrigger(ctx context.Context, t domain.Trigger) error {
	defer r.observe("log_trigger", time.Now())

	data, err := json.Marshal(t.Data)
	if err != nil {
		return fmt.Errorf("failed to encode trigger data: %w", err)
	}

	const query = `INSERT INTO meter_triggers (id, meter_id, type, severity, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = r.pool.Exec(ctx, query,
		t.ID,
		t.MeterID,
		string(t.Type),
		string(t.Severity),
		t.Message,
		data,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to log trigger: %w", err)
	}
	return nil
}

// RecordAlert appends a dispatched alert to the alert log.
func (r *Repository) RecordAlert(ctx context.Context, a domain.Alert) error {
	defer r.observe("record_alert", time.Now())

	const query = `INSERT INTO meter_alerts (meter_id, alert_type, severity, message, sent_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.pool.Exec(ctx, query, a.MeterID, string(a.AlertType), string(a.Severity), a.Message, a.SentAt); err != nil {
		return fmt.Errorf("failed to record alert: %w", err)
	}
	return nil
}

// CountAlerts counts alerts of one type for a meter sent at or after since.
func (r *Repository) CountAlerts(ctx context.Context, meterID string, alertType domain.TriggerType, since time.Time) (int, error) {
	defer r.observe("count_alerts", time.Now())

	const query = `SELECT count(*) FROM meter_alerts
		WHERE meter_id = $1 AND alert_type = $2 AND sent_at >= $3`

	var n int
	if err := r.pool.QueryRow(ctx, query, meterID, string(alertType), since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// HealthCheck pings the database.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close stops monitoring and closes the pool.
func (r *Repository) Close() {
	r.cancel()
	<-r.done
	r.pool.Close()
}
