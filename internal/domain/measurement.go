package domain

import (
	"encoding/json"
	"time"
)

// Source identifies which instrument produced a measurement.
type Source string

const (
	SourceMeter     Source = "meter"
	SourceReference Source = "reference"
)

// Measurement is one set of decoded electrical quantities.
type Measurement struct {
	Source        Source    `json:"source"`
	VoltageRMS    float64   `json:"voltage_rms"`
	CurrentRMS    float64   `json:"current_rms"`
	ActivePower   float64   `json:"active_power"`
	Frequency     float64   `json:"frequency"`
	PowerFactor   float64   `json:"power_factor"`
	ReactivePower float64   `json:"reactive_power"`
	ApparentPower float64   `json:"apparent_power"`
	Timestamp     time.Time `json:"ts"`
}

// MQTTPayload is the compact telemetry form of a Measurement.
type MQTTPayload struct {
	Source    Source  `json:"src"`
	Voltage   float64 `json:"v"`
	Current   float64 `json:"i"`
	Active    float64 `json:"p"`
	Frequency float64 `json:"f"`
	PF        float64 `json:"pf"`
	Reactive  float64 `json:"q"`
	Apparent  float64 `json:"s"`
	Timestamp int64   `json:"ts"` // Unix milliseconds
}

// ToMQTTPayload converts the measurement to its compact payload.
func (m Measurement) ToMQTTPayload() MQTTPayload {
	return MQTTPayload{
		Source:    m.Source,
		Voltage:   m.VoltageRMS,
		Current:   m.CurrentRMS,
		Active:    m.ActivePower,
		Frequency: m.Frequency,
		PF:        m.PowerFactor,
		Reactive:  m.ReactivePower,
		Apparent:  m.ApparentPower,
		Timestamp: m.Timestamp.UnixMilli(),
	}
}

// ToJSON serializes the compact payload.
func (m Measurement) ToJSON() ([]byte, error) {
	return json.Marshal(m.ToMQTTPayload())
}

// CalibrationResult reports the outcome of one calibration run.
type CalibrationResult struct {
	RunID     string        `json:"run_id"`
	Success   bool          `json:"success"`
	Reactive  bool          `json:"reactive"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
	Timestamp time.Time     `json:"ts"`

	Err error `json:"-"`
}

// ToJSON serializes the result.
func (r CalibrationResult) ToJSON() ([]byte, error) {
	if r.Err != nil && r.Error == "" {
		r.Error = r.Err.Error()
	}
	r.Duration = r.Duration / time.Millisecond
	return json.Marshal(r)
}
