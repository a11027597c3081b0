package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType identifies the detection rule that fired.
type TriggerType string

const (
	TriggerNoReadings           TriggerType = "no_readings"
	TriggerCommunicationTimeout TriggerType = "communication_timeout"
	TriggerCommunicationGaps    TriggerType = "communication_gaps"
	TriggerHighUsage            TriggerType = "high_usage"
	TriggerUsageSpike           TriggerType = "usage_spike"
	TriggerLowUsage             TriggerType = "low_usage"
	TriggerStatisticalAnomaly   TriggerType = "statistical_anomaly"
	TriggerConsecutiveZeros     TriggerType = "consecutive_zeros"
	TriggerStuckValue           TriggerType = "stuck_value"
	TriggerOutlier              TriggerType = "outlier"
	TriggerMaintenanceDue       TriggerType = "maintenance_due"
	TriggerMaintenanceOverdue   TriggerType = "maintenance_overdue"
)

// TriggerCategory groups trigger types by the handler that processes them.
type TriggerCategory string

const (
	CategoryCommunication TriggerCategory = "communication"
	CategoryUsage         TriggerCategory = "usage"
	CategoryMaintenance   TriggerCategory = "maintenance"
)

// Category returns the handler category for the trigger type.
func (t TriggerType) Category() TriggerCategory {
	switch t {
	case TriggerNoReadings, TriggerCommunicationTimeout, TriggerCommunicationGaps:
		return CategoryCommunication
	case TriggerMaintenanceDue, TriggerMaintenanceOverdue:
		return CategoryMaintenance
	default:
		return CategoryUsage
	}
}

// Severity is the urgency of a trigger.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Trigger is a detection-rule firing. It is never mutated after creation.
type Trigger struct {
	ID        uuid.UUID      `json:"id"`
	Type      TriggerType    `json:"type"`
	Severity  Severity       `json:"severity"`
	MeterID   string         `json:"meter_id"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewTrigger creates a trigger with a fresh ID.
func NewTrigger(t TriggerType, sev Severity, meterID, message string, data map[string]any, at time.Time) Trigger {
	return Trigger{
		ID:        uuid.New(),
		Type:      t,
		Severity:  sev,
		MeterID:   meterID,
		Message:   message,
		Data:      data,
		CreatedAt: at,
	}
}

// Alert records one dispatched notification.
type Alert struct {
	MeterID   string      `json:"meter_id"`
	AlertType TriggerType `json:"alert_type"`
	Severity  Severity    `json:"severity"`
	Message   string      `json:"message"`
	SentAt    time.Time   `json:"sent_at"`
}

// NewAlert builds the alert record sent for a trigger.
func NewAlert(t Trigger, at time.Time) Alert {
	return Alert{
		MeterID:   t.MeterID,
		AlertType: t.Type,
		Severity:  t.Severity,
		Message:   t.Message,
		SentAt:    at,
	}
}
