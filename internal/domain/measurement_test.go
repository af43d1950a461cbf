package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMeasurement_ToMQTTPayload(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	m := Measurement{
		Source:        SourceReference,
		VoltageRMS:    230.0,
		CurrentRMS:    0.2609,
		ActivePower:   60.0,
		Frequency:     50.0,
		PowerFactor:   1.0,
		ReactivePower: 0.5,
		ApparentPower: 60.0,
		Timestamp:     ts,
	}

	p := m.ToMQTTPayload()
	if p.Source != SourceReference || p.Voltage != 230.0 || p.Current != 0.2609 {
		t.Errorf("unexpected payload: %+v", p)
	}
	if p.Reactive != 0.5 || p.Apparent != 60.0 {
		t.Errorf("unexpected power fields: %+v", p)
	}
	if p.Timestamp != 1700000000123 {
		t.Errorf("expected ms timestamp, got %d", p.Timestamp)
	}
}

func TestMeasurement_ToJSON(t *testing.T) {
	m := Measurement{Source: SourceMeter, VoltageRMS: 229.9, Timestamp: time.UnixMilli(1000)}

	data, err := m.ToJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, key := range []string{"src", "v", "i", "p", "f", "pf", "q", "s", "ts"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("expected key %q in %s", key, data)
		}
	}
	if decoded["src"] != "meter" || decoded["ts"] != float64(1000) {
		t.Errorf("unexpected payload: %s", data)
	}
}

func TestCalibrationResult_ToJSON(t *testing.T) {
	tests := []struct {
		name      string
		result    CalibrationResult
		wantError string
		wantMS    float64
	}{
		{
			name:   "success",
			result: CalibrationResult{RunID: "a", Success: true, Duration: 2500 * time.Millisecond},
			wantMS: 2500,
		},
		{
			name:      "error from Err",
			result:    CalibrationResult{RunID: "b", Err: fmt.Errorf("%w: link down", ErrCalibrationFailed)},
			wantError: "calibration failed: link down",
		},
		{
			name:      "explicit error wins",
			result:    CalibrationResult{RunID: "c", Error: "cancelled", Err: ErrCalibrationCancelled},
			wantError: "cancelled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.result.ToJSON()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var decoded map[string]interface{}
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantError == "" {
				if _, ok := decoded["error"]; ok {
					t.Errorf("expected no error field, got %v", decoded["error"])
				}
			} else if decoded["error"] != tt.wantError {
				t.Errorf("expected error %q, got %v", tt.wantError, decoded["error"])
			}
			if decoded["duration_ms"] != tt.wantMS {
				t.Errorf("expected duration %v, got %v", tt.wantMS, decoded["duration_ms"])
			}
			if _, ok := decoded["Err"]; ok {
				t.Error("Err must not be serialized")
			}
		})
	}
}

func TestErrorsWrap(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"watchdog", fmt.Errorf("%w: id 7", ErrWatchdogTimeout), ErrWatchdogTimeout},
		{"port", fmt.Errorf("%w: /dev/ttyS3: busy", ErrPortOpenFailed), ErrPortOpenFailed},
		{"analyzer", fmt.Errorf("%w: field 3", ErrAnalyzerProtocol), ErrAnalyzerProtocol},
		{"config", fmt.Errorf("%w: %w", ErrInvalidConfig, errors.New("bad port")), ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("expected %v to wrap %v", tt.err, tt.sentinel)
			}
		})
	}
}
