// Package metrics provides Prometheus metrics for the meter telemetry collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "telemetry"

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Pool metrics
	PoolConnections   *prometheus.GaugeVec
	ConnectionsTotal  prometheus.Counter
	ConnectionErrors  prometheus.Counter
	ConnectionLatency prometheus.Histogram
	PoolEvictions     *prometheus.CounterVec

	// Read metrics
	MeterReads    *prometheus.CounterVec
	ReadDuration  prometheus.Histogram
	BreakerTrips  prometheus.Counter
	RegisterFails prometheus.Counter

	// Collection metrics
	CycleDuration     prometheus.Histogram
	CyclesSkipped     prometheus.Counter
	MetersPolled      prometheus.Gauge
	ReadingsPersisted prometheus.Counter
	PersistenceErrors prometheus.Counter
	SinkErrors        *prometheus.CounterVec
	SinkExported      *prometheus.CounterVec

	// Analysis metrics
	TriggersTotal   *prometheus.CounterVec
	AlertsSent      *prometheus.CounterVec
	AlertsLimited   *prometheus.CounterVec
	AnalysisErrors  prometheus.Counter
	AnalysisLatency *prometheus.HistogramVec

	// Store metrics
	StoreQueryDuration *prometheus.HistogramVec
	StoreConnections   *prometheus.GaugeVec
}

// NewRegistry creates a new metrics registry with all metrics registered on reg.
// A nil reg registers on the default Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	r := &Registry{
		// Pool metrics
		PoolConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "pool_connections",
			Help:      "Pooled Modbus connections by state (total, active, idle)",
		}, []string{"state"}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connections_total",
			Help:      "Total number of Modbus connection attempts",
		}),
		ConnectionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connection_errors_total",
			Help:      "Total number of Modbus connection errors",
		}),
		ConnectionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connection_latency_seconds",
			Help:      "Modbus connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		PoolEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "pool_evictions_total",
			Help:      "Pooled connections closed by reason (lru, idle, error)",
		}, []string{"reason"}),

		// Read metrics
		MeterReads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "meter_reads_total",
			Help:      "Total meter reads by outcome",
		}, []string{"status"}),
		ReadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "read_duration_seconds",
			Help:      "Duration of one full meter read",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		BreakerTrips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "breaker_open_total",
			Help:      "Total circuit breaker transitions to open",
		}),
		RegisterFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "register_failures_total",
			Help:      "Total individual register read failures",
		}),

		// Collection metrics
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "cycle_duration_seconds",
			Help:      "Collection cycle duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		CyclesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "cycles_skipped_total",
			Help:      "Cycles skipped because another cycle was in progress",
		}),
		MetersPolled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "meters_polled",
			Help:      "Number of meters polled in the last cycle",
		}),
		ReadingsPersisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "readings_persisted_total",
			Help:      "Total readings written to the store",
		}),
		PersistenceErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "persistence_errors_total",
			Help:      "Total persistence failures",
		}),
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "sink_errors_total",
			Help:      "Total reading export failures by sink",
		}, []string{"sink"}),
		SinkExported: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "sink_messages_total",
			Help:      "Total messages delivered to each sink",
		}, []string{"sink"}),

		// Analysis metrics
		TriggersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "triggers_total",
			Help:      "Total triggers fired by type",
		}, []string{"type"}),
		AlertsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "alerts_sent_total",
			Help:      "Total alerts dispatched by type",
		}, []string{"type"}),
		AlertsLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "alerts_rate_limited_total",
			Help:      "Total alerts suppressed by the rate limiter by type",
		}, []string{"type"}),
		AnalysisErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "meter_errors_total",
			Help:      "Total per-meter analysis failures",
		}),
		AnalysisLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "pass_duration_seconds",
			Help:      "Analysis pass duration by pass kind",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"pass"}),

		// Store metrics
		StoreQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "query_duration_seconds",
			Help:      "Store query duration by operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		StoreConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "connections",
			Help:      "Database pool connections by state (acquired, idle)",
		}, []string{"state"}),
	}

	return r
}

// RecordConnection records a connection event.
func (r *Registry) RecordConnection(success bool, latency float64) {
	r.ConnectionsTotal.Inc()
	if !success {
		r.ConnectionErrors.Inc()
	}
	r.ConnectionLatency.Observe(latency)
}

// UpdatePoolConnections updates the pool gauges.
func (r *Registry) UpdatePoolConnections(total, active, idle int) {
	r.PoolConnections.WithLabelValues("total").Set(float64(total))
	r.PoolConnections.WithLabelValues("active").Set(float64(active))
	r.PoolConnections.WithLabelValues("idle").Set(float64(idle))
}

// RecordEviction records a pooled connection being closed.
func (r *Registry) RecordEviction(reason string) {
	r.PoolEvictions.WithLabelValues(reason).Inc()
}

// RecordMeterRead records one full meter read.
// status is one of success, partial, failed or breaker_open.
func (r *Registry) RecordMeterRead(status string, duration float64, failedRegisters int) {
	r.MeterReads.WithLabelValues(status).Inc()
	r.ReadDuration.Observe(duration)
	if failedRegisters > 0 {
		r.RegisterFails.Add(float64(failedRegisters))
	}
}

// RecordBreakerOpen records a circuit breaker opening.
func (r *Registry) RecordBreakerOpen() {
	r.BreakerTrips.Inc()
}

// RecordCycle records a completed collection cycle.
func (r *Registry) RecordCycle(duration float64, meters int) {
	r.CycleDuration.Observe(duration)
	r.MetersPolled.Set(float64(meters))
}

// RecordCycleSkipped records an overlapping cycle that was skipped.
func (r *Registry) RecordCycleSkipped() {
	r.CyclesSkipped.Inc()
}

// RecordPersisted records readings written to the store.
func (r *Registry) RecordPersisted(count int, err error) {
	if err != nil {
		r.PersistenceErrors.Inc()
		return
	}
	r.ReadingsPersisted.Add(float64(count))
}

// RecordSinkExport records messages delivered to the named sink.
func (r *Registry) RecordSinkExport(sink string, count int) {
	r.SinkExported.WithLabelValues(sink).Add(float64(count))
}

// RecordSinkError records a failed export to the named sink.
func (r *Registry) RecordSinkError(sink string) {
	r.SinkErrors.WithLabelValues(sink).Inc()
}

// RecordTrigger records a fired trigger.
func (r *Registry) RecordTrigger(triggerType string) {
	r.TriggersTotal.WithLabelValues(triggerType).Inc()
}

// RecordAlert records an alert decision.
func (r *Registry) RecordAlert(alertType string, sent bool) {
	if sent {
		r.AlertsSent.WithLabelValues(alertType).Inc()
		return
	}
	r.AlertsLimited.WithLabelValues(alertType).Inc()
}

// RecordAnalysisPass records the duration of an analysis pass and its per-meter failures.
func (r *Registry) RecordAnalysisPass(pass string, duration float64, meterErrors int) {
	r.AnalysisLatency.WithLabelValues(pass).Observe(duration)
	if meterErrors > 0 {
		r.AnalysisErrors.Add(float64(meterErrors))
	}
}

// RecordQuery records the duration of a store operation.
func (r *Registry) RecordQuery(operation string, duration float64) {
	r.StoreQueryDuration.WithLabelValues(operation).Observe(duration)
}

// UpdateStoreConnections updates the database pool gauges.
func (r *Registry) UpdateStoreConnections(acquired, idle int) {
	r.StoreConnections.WithLabelValues("acquired").Set(float64(acquired))
	r.StoreConnections.WithLabelValues("idle").Set(float64(idle))
}
