// Package domain contains the core business entities.
// These are transport-agnostic and represent the core concepts of the system.
package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// MeterStatus represents the provisioning status of a meter.
type MeterStatus string

const (
	MeterStatusActive      MeterStatus = "active"
	MeterStatusInactive    MeterStatus = "inactive"
	MeterStatusMaintenance MeterStatus = "maintenance"
)

// Meter represents one provisioned energy meter reachable over Modbus TCP.
type Meter struct {
	// ID is the unique identifier for this meter
	ID string `json:"id"`

	// Name is a human-readable name for the meter
	Name string `json:"name"`

	// Host is the IP address or hostname of the meter or its gateway
	Host string `json:"host"`

	// Port is the Modbus TCP port
	Port int `json:"port"`

	// UnitID is the Modbus unit identifier (1-247)
	UnitID uint8 `json:"unit_id"`

	// Status is the provisioning status; only active meters are polled
	Status MeterStatus `json:"status"`

	// Profile names the register map used to read this meter
	Profile string `json:"profile,omitempty"`

	// NextMaintenance is the scheduled maintenance date, if any
	NextMaintenance *time.Time `json:"next_maintenance,omitempty"`
}

// Validate performs validation on the meter's connection parameters.
func (m *Meter) Validate() error {
	if m.ID == "" {
		return ErrMeterIDRequired
	}
	if m.Host == "" {
		return ErrMeterHostRequired
	}
	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, m.Port)
	}
	if m.UnitID == 0 || m.UnitID > 247 {
		return fmt.Errorf("%w: %d", ErrInvalidUnitID, m.UnitID)
	}
	return nil
}

// Target returns the read target for this meter.
func (m *Meter) Target() Target {
	return Target{MeterID: m.ID, Host: m.Host, Port: m.Port, UnitID: m.UnitID}
}

// Target identifies where one meter read is sent.
type Target struct {
	MeterID string
	Host    string
	Port    int
	UnitID  uint8
}

// Address returns host:port.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Key returns the session identity host:port/unit. Two targets with the
// same key share one Modbus session.
func (t Target) Key() string {
	return t.Address() + "/" + strconv.Itoa(int(t.UnitID))
}
