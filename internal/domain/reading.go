package domain

import (
	"encoding/json"
	"time"
)

// MeterReading is the outcome of one read attempt against one meter.
// A nil entry in Values means that register failed while others succeeded.
type MeterReading struct {
	MeterID      string              `json:"meter_id"`
	Timestamp    time.Time           `json:"timestamp"`
	Values       map[string]*float64 `json:"values"`
	Success      bool                `json:"success"`
	ErrorMessage string              `json:"error_message,omitempty"`

	// Err is the cause of a failed reading, kept for errors.Is matching.
	Err error `json:"-"`
}

// NewFailedReading builds a reading for a whole-call failure.
func NewFailedReading(meterID string, at time.Time, err error) MeterReading {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return MeterReading{
		MeterID:      meterID,
		Timestamp:    at,
		Success:      false,
		ErrorMessage: msg,
		Err:          err,
	}
}

// Value returns the decoded value for name and whether it is present.
func (r *MeterReading) Value(name string) (float64, bool) {
	v, ok := r.Values[name]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// DecodedCount returns how many registers decoded successfully.
func (r *MeterReading) DecodedCount() int {
	n := 0
	for _, v := range r.Values {
		if v != nil {
			n++
		}
	}
	return n
}

// ToJSON serializes the reading.
func (r *MeterReading) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// Float returns a pointer to v, for building Values maps.
func Float(v float64) *float64 {
	return &v
}
