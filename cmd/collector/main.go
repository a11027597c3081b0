// Package main is the entry point for the meter telemetry collector.
// It wires the Modbus pool, the collection scheduler, the analyzer and the
// sinks, and manages the application lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/meter-telemetry/internal/adapter/config"
	"github.com/nexus-edge/meter-telemetry/internal/adapter/influx"
	"github.com/nexus-edge/meter-telemetry/internal/adapter/kafka"
	"github.com/nexus-edge/meter-telemetry/internal/adapter/modbus"
	"github.com/nexus-edge/meter-telemetry/internal/adapter/mqtt"
	"github.com/nexus-edge/meter-telemetry/internal/analyzer"
	"github.com/nexus-edge/meter-telemetry/internal/health"
	"github.com/nexus-edge/meter-telemetry/internal/metrics"
	"github.com/nexus-edge/meter-telemetry/internal/repository/postgres"
	"github.com/nexus-edge/meter-telemetry/internal/service"
	"github.com/nexus-edge/meter-telemetry/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "meter-telemetry"
	serviceVersion = "1.0.0"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger, err := logging.New(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Log output unavailable, logging to stdout")
	}
	logger.Info().Str("env", cfg.Environment).Msg("Starting meter telemetry collector")

	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)
	metricsRegistry.UpdatePoolConnections(0, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Storage and register profiles
	// =============================================================

	store, err := postgres.NewRepository(ctx, cfg.Database, logger, metricsRegistry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	profiles, err := config.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ProfilesPath).Msg("Failed to load register profiles")
	}
	logger.Info().Int("profiles", profiles.Len()).Msg("Register profiles loaded")
	if def, err := profiles.Resolve(""); err == nil {
		logger.Info().
			Strs("registers", def.Names()).
			Str("usage_register", cfg.Analysis.UsageRegister).
			Msg("Default register profile")
	}

	// =============================================================
	// Modbus pool and service
	// =============================================================

	pool := modbus.NewConnectionPool(modbus.PoolConfig{
		MaxConnections: cfg.Modbus.MaxConnections,
		IdleTimeout:    cfg.Modbus.IdleTimeout,
		AcquireTimeout: cfg.Modbus.AcquireTimeout,
		ReadTimeout:    cfg.Modbus.ReadTimeout,
		ActiveWindow:   cfg.Modbus.ActiveWindow,
	}, nil, logger, metricsRegistry)
	defer pool.Close()

	modbusSvc := modbus.NewService(pool, modbus.ServiceConfig{
		CircuitBreaker: cfg.Modbus.CircuitBreaker,
	}, logger, metricsRegistry)

	// =============================================================
	// Sinks
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})

	var sinks []service.ReadingSink
	var notifiers analyzer.MultiNotifier
	notifiers = append(notifiers, analyzer.NewLogNotifier(logger))

	if cfg.MQTT.Enabled {
		publisher := mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
		}, logger, metricsRegistry)
		if err := publisher.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("MQTT broker unreachable, retrying in background and buffering readings")
		}
		defer publisher.Disconnect()

		sinks = append(sinks, publisher)
		if cfg.MQTT.PublishAlerts {
			notifiers = append(notifiers, publisher)
		}
		healthChecker.AddOptionalCheck("mqtt", publisher)
	}

	if cfg.Kafka.Enabled {
		kafkaSink := kafka.NewSink(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, logger, metricsRegistry)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}

	if cfg.Influx.Enabled {
		influxSink := influx.NewSink(influx.Config{
			URL:         cfg.Influx.URL,
			Token:       cfg.Influx.Token,
			Org:         cfg.Influx.Org,
			Bucket:      cfg.Influx.Bucket,
			Measurement: cfg.Influx.Measurement,
		}, logger, metricsRegistry)
		defer influxSink.Close()
		sinks = append(sinks, influxSink)
		healthChecker.AddOptionalCheck("influxdb", influxSink)
	}

	// =============================================================
	// Collection and analysis
	// =============================================================

	collector := service.NewCollector(service.CollectorConfig{
		Interval:         cfg.Collection.Interval,
		BatchSize:        cfg.Collection.BatchSize,
		BatchDelay:       cfg.Collection.BatchDelay,
		Timeout:          cfg.Collection.Timeout,
		RetryAttempts:    cfg.Collection.RetryAttempts,
		RetryDelay:       cfg.Collection.RetryDelay,
		StatsLogInterval: cfg.Collection.StatsLogInterval,
	}, modbusSvc, profiles, store, sinks, logger, metricsRegistry)

	limiter, redisClient := newRateLimiter(cfg, store, logger)
	if redisClient != nil {
		defer redisClient.Close()
		healthChecker.AddOptionalCheck("redis", health.CheckerFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	dispatcher := analyzer.NewDispatcher(store, store, limiter, notifiers, logger, metricsRegistry)

	a := cfg.Analysis
	meterAnalyzer := analyzer.NewAnalyzer(analyzer.AnalyzerConfig{
		Interval:         a.Interval,
		OfflineTimeout:   a.OfflineTimeout,
		CommunicationGap: a.CommunicationGap,
		GapLookback:      a.GapLookback,
		HistoricalDays:   a.HistoricalDays,
		BaselineReadings: a.BaselineReadings,
		BaselineLimit:    a.BaselineLimit,
		RecentWindow:     a.RecentWindow,
		ZScoreThreshold:  a.ZScoreThreshold,
		UsageSpikeFactor: a.UsageSpikeFactor,
		HighUsage:        a.HighUsage,
		LowUsage:         a.LowUsage,
		LowUsageFactor:   a.LowUsageFactor,
		UsageRegister:    a.UsageRegister,
		AnomalyDetection: a.AnomalyDetection,
	}, store, dispatcher, logger, metricsRegistry)

	patternMonitor := analyzer.NewMonitor(analyzer.MonitorConfig{
		Interval:          a.PatternInterval,
		HistoricalDays:    a.HistoricalDays,
		PatternWindow:     a.PatternWindow,
		ZeroRun:           a.ZeroRun,
		StuckRun:          a.StuckRun,
		Sigma:             a.Sigma,
		MaintenanceWindow: a.MaintenanceWindow,
		UsageRegister:     a.UsageRegister,
		AnomalyDetection:  a.AnomalyDetection,
	}, store, dispatcher, logger, metricsRegistry)

	if err := collector.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start collector")
	}
	_ = meterAnalyzer.Start(ctx)
	_ = patternMonitor.Start(ctx)

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	healthChecker.AddCheck("database", store)
	healthChecker.AddCheck("modbus_pool", pool)
	healthChecker.AddCheck("collector", collector)
	healthChecker.AddCheck("analyzer", meterAnalyzer)
	healthChecker.AddCheck("pattern_monitor", patternMonitor)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", health.StatusHandler(func() any {
		return map[string]any{
			"service":         serviceName,
			"version":         serviceVersion,
			"collector":       collector.HealthStatus(),
			"pool":            modbusSvc.PoolStats(),
			"analyzer":        meterAnalyzer.HealthStatus(),
			"pattern_monitor": patternMonitor.HealthStatus(),
		}
	}))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      logRequests(mux, logger),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("sinks", len(sinks)).
		Int("http_port", cfg.HTTP.Port).
		Dur("collection_interval", cfg.Collection.Interval).
		Str("rate_limiter", cfg.Alerts.Limiter).
		Msg("Meter telemetry collector started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownTimeout := cfg.Collection.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := collector.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping collector")
	}
	if err := meterAnalyzer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping analyzer")
	}
	if err := patternMonitor.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping pattern monitor")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	logger.Info().Msg("Meter telemetry collector stopped")
}

// newRateLimiter builds the configured alert rate limiter. The Redis
// client is returned so the caller can close it.
func newRateLimiter(cfg *config.Config, store *postgres.Repository, logger zerolog.Logger) (analyzer.RateLimiter, *redis.Client) {
	if cfg.Alerts.Limiter != config.LimiterRedis {
		return analyzer.NewStoreRateLimiter(store, cfg.Alerts.MaxPerHour), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis alert rate limiter")
	return analyzer.NewRedisRateLimiter(client, cfg.Alerts.MaxPerHour), client
}

// logRequests logs every served HTTP request at debug level.
func logRequests(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		reqLogger := logging.WithRequestContext(logger, r.Method, r.URL.Path)
		reqLogger.Debug().Dur("duration", time.Since(start)).Msg("HTTP request served")
	})
}
