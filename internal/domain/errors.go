// Package domain contains core business entities.
package domain

import (
	"errors"
	"fmt"
)

// Meter configuration errors.
var (
	ErrMeterIDRequired   = errors.New("meter ID is required")
	ErrMeterHostRequired = errors.New("meter host is required")
	ErrInvalidPort       = errors.New("invalid TCP port")
	ErrInvalidUnitID     = errors.New("invalid unit ID")
)

// Register map errors.
var (
	ErrNoRegistersDefined    = errors.New("at least one register must be defined")
	ErrRegisterNameRequired  = errors.New("register name is required")
	ErrDuplicateRegisterName = errors.New("duplicate register name")
	ErrInvalidWordCount      = errors.New("register word count must be 1 or 2")
	ErrInvalidScale          = errors.New("register scale must be positive")
	ErrProfileNotFound       = errors.New("register profile not found")
)

// Connection errors.
var (
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrPoolExhausted      = errors.New("connection pool exhausted")
	ErrPoolClosed         = errors.New("connection pool closed")
)

// Read errors.
var (
	ErrReadFailed         = errors.New("read operation failed")
	ErrInvalidDataLength  = errors.New("invalid data length")
	ErrAllRegistersFailed = errors.New("all register reads failed")
)

// Persistence errors.
var (
	ErrPersistenceFailed = errors.New("persistence failed")
)

// Sink errors.
var (
	ErrSinkNotConnected  = errors.New("sink not connected")
	ErrSinkConnectFailed = errors.New("sink connection failed")
	ErrSinkPublishFailed = errors.New("sink publish failed")
	ErrSinkBufferFull    = errors.New("sink buffer full")
)

// Service errors.
var (
	ErrServiceStopped  = errors.New("service has been stopped")
	ErrCycleInProgress = errors.New("collection cycle already in progress")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// ConnectionErrorKind classifies a pool-level connection failure.
type ConnectionErrorKind string

const (
	ConnectionErrorTimeout       ConnectionErrorKind = "timeout"
	ConnectionErrorConnectFailed ConnectionErrorKind = "connect_failed"
	ConnectionErrorPoolExhausted ConnectionErrorKind = "pool_exhausted"
)

// ConnectionError is returned by the connection pool when a session for a
// key could not be handed out. It is never retried inside the pool.
type ConnectionError struct {
	Kind ConnectionErrorKind
	Key  string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("modbus %s: %s", e.Key, e.Kind)
	}
	return fmt.Sprintf("modbus %s: %s: %v", e.Key, e.Kind, e.Err)
}

// Unwrap exposes both the kind's sentinel and the underlying cause.
func (e *ConnectionError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case ConnectionErrorTimeout:
		sentinel = ErrConnectionTimeout
	case ConnectionErrorPoolExhausted:
		sentinel = ErrPoolExhausted
	default:
		sentinel = ErrConnectionFailed
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// RegisterReadError records a single register that could not be read or
// decoded inside one meter read. The read continues with the next register.
type RegisterReadError struct {
	Register string
	Address  uint16
	Err      error
}

func (e *RegisterReadError) Error() string {
	return fmt.Sprintf("register %s@%d: %v", e.Register, e.Address, e.Err)
}

func (e *RegisterReadError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure for the operation that produced it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes ErrPersistenceFailed and the underlying cause.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistenceFailed, e.Err}
}
