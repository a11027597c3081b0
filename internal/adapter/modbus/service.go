package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/nexus-edge/meter-telemetry/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Service performs logical meter reads over the connection pool.
type Service struct {
	pool     *ConnectionPool
	config   ServiceConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.Mutex
	logger   zerolog.Logger
	metrics  *metrics.Registry
	now      func() time.Time
}

// ServiceConfig holds configuration for the read service.
type ServiceConfig struct {
	// CircuitBreaker enables the per-meter circuit breaker
	CircuitBreaker bool
}

// NewService creates a read service on top of pool.
func NewService(pool *ConnectionPool, config ServiceConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Service {
	return &Service{
		pool:     pool,
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger.With().Str("component", "modbus-service").Logger(),
		metrics:  metricsReg,
		now:      time.Now,
	}
}

// breaker returns the per-meter circuit breaker, creating it on first use.
// Per-meter breakers isolate one unreachable meter from the rest of the fleet.
func (s *Service) breaker(meterID string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[meterID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        meterID,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Info().
				Str("meter_id", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
			if to == gobreaker.StateOpen && s.metrics != nil {
				s.metrics.RecordBreakerOpen()
			}
		},
	})
	s.breakers[meterID] = cb
	return cb
}

// ReadMeterData reads every register of rm from the target meter.
// Registers are read sequentially in map order. A failed register is
// recorded as a nil value and the read continues; the reading is
// successful while at least one register decoded. A connection failure
// before any register is read yields a failed reading with no values.
func (s *Service) ReadMeterData(ctx context.Context, target domain.Target, rm domain.RegisterMap) domain.MeterReading {
	start := time.Now()

	var reading domain.MeterReading
	if s.config.CircuitBreaker {
		_, err := s.breaker(target.MeterID).Execute(func() (interface{}, error) {
			reading = s.read(ctx, target, rm)
			if !reading.Success {
				return nil, reading.Err
			}
			return nil, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reading = domain.NewFailedReading(target.MeterID, s.now(), domain.ErrCircuitBreakerOpen)
			s.record("breaker_open", start, 0)
			return reading
		}
	} else {
		reading = s.read(ctx, target, rm)
	}

	failed := len(reading.Values) - reading.DecodedCount()
	switch {
	case !reading.Success:
		s.record("failed", start, failed)
	case failed > 0:
		s.record("partial", start, failed)
	default:
		s.record("success", start, 0)
	}
	return reading
}

func (s *Service) read(ctx context.Context, target domain.Target, rm domain.RegisterMap) domain.MeterReading {
	key := KeyFor(target)
	logger := s.logger.With().Str("meter_id", target.MeterID).Str("key", key.String()).Logger()

	h, err := s.pool.Acquire(ctx, key)
	if err != nil {
		logger.Debug().Err(err).Msg("Meter read failed before any register")
		return domain.NewFailedReading(target.MeterID, s.now(), err)
	}

	values := make(map[string]*float64, len(rm.Registers))
	var (
		firstErr error
		broken   bool
	)
	for _, reg := range rm.Registers {
		// Past the deadline or on a bad session the remaining registers
		// are recorded as failed without touching the device.
		if broken || ctx.Err() != nil {
			values[reg.Name] = nil
			if firstErr == nil {
				firstErr = &domain.RegisterReadError{Register: reg.Name, Address: reg.Address, Err: ctx.Err()}
			}
			continue
		}
		value, err := s.readRegister(ctx, h, reg)
		if err != nil {
			values[reg.Name] = nil
			if firstErr == nil {
				firstErr = err
			}
			if isConnectionError(err) {
				broken = true
			}
			logger.Debug().Err(err).Str("register", reg.Name).Msg("Register read failed")
			continue
		}
		values[reg.Name] = domain.Float(value)
	}

	s.pool.Release(h)
	if broken {
		// Drop the bad session so the next read reconnects.
		s.pool.Discard(h)
	}

	reading := domain.MeterReading{
		MeterID:   target.MeterID,
		Timestamp: s.now(),
		Values:    values,
		Success:   true,
	}
	if len(rm.Registers) > 0 && reading.DecodedCount() == 0 {
		reading.Success = false
		reading.Err = fmt.Errorf("%w: %w", domain.ErrAllRegistersFailed, firstErr)
		reading.ErrorMessage = reading.Err.Error()
	}
	return reading
}

func (s *Service) readRegister(ctx context.Context, h *Handle, reg domain.RegisterDescriptor) (float64, error) {
	data, err := h.ReadHoldingRegisters(ctx, reg.Address, reg.WordCount)
	if err != nil {
		if !isConnectionError(err) {
			err = translateModbusError(err)
		}
		return 0, &domain.RegisterReadError{Register: reg.Name, Address: reg.Address, Err: err}
	}
	value, err := decodeRegister(reg, data)
	if err != nil {
		return 0, &domain.RegisterReadError{Register: reg.Name, Address: reg.Address, Err: err}
	}
	return value, nil
}

func (s *Service) record(status string, start time.Time, failedRegisters int) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordMeterRead(status, time.Since(start).Seconds(), failedRegisters)
}

// TestConnection acquires a session and reads one register at address 0.
// Errors are swallowed; the result only says whether the meter answered.
func (s *Service) TestConnection(ctx context.Context, host string, port int, unitID uint8) bool {
	key := Key{Host: host, Port: port, UnitID: unitID}
	h, err := s.pool.Acquire(ctx, key)
	if err != nil {
		s.logger.Debug().Err(err).Str("key", key.String()).Msg("Connection test failed")
		return false
	}
	_, err = h.ReadHoldingRegisters(ctx, 0, 1)
	s.pool.Release(h)
	if err != nil {
		if isConnectionError(err) {
			s.pool.Discard(h)
		}
		s.logger.Debug().Err(err).Str("key", key.String()).Msg("Connection test read failed")
		return false
	}
	return true
}

// CloseAllConnections closes every pooled session.
func (s *Service) CloseAllConnections() {
	s.pool.CloseAll()
}

// CloseConnection closes the pooled session for one meter address.
func (s *Service) CloseConnection(host string, port int, unitID uint8) {
	s.pool.CloseOne(Key{Host: host, Port: port, UnitID: unitID})
}

// PoolStats returns the connection pool statistics.
func (s *Service) PoolStats() PoolStats {
	return s.pool.Stats()
}

// HealthCheck implements the health.Checker interface.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.pool.HealthCheck(ctx)
}
