package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.Output = filepath.Join(t.TempDir(), "collector.log")
	if _, err := New("svc", "1.0", cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Output = filepath.Join(t.TempDir(), "missing", "collector.log")
	if _, err := New("svc", "1.0", cfg); err == nil {
		t.Error("expected error for unwritable output")
	}
}

func TestWithMeterContext(t *testing.T) {
	var buf bytes.Buffer
	logger := WithMeterContext(zerolog.New(&buf), "m1", "10.0.0.1:502")
	logger.Info().Msg("read")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid log line: %v", err)
	}
	if entry["meter_id"] != "m1" || entry["address"] != "10.0.0.1:502" {
		t.Errorf("expected meter fields, got %v", entry)
	}
}
