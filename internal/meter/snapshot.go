package meter

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is a copy of every decoded register bank.
type Snapshot struct {
	Taken          time.Time              `yaml:"taken"`
	Output         OutputRegisters        `yaml:"output"`
	EnergyCounters EnergyCounterRegisters `yaml:"energy_counters"`
	Record         RecordRegisters        `yaml:"record"`
	Calibration    CalibrationRegisters   `yaml:"calibration"`
	Config1        Config1Registers       `yaml:"config1"`
	Config2        Config2Registers       `yaml:"config2"`
	CompPeriph     CompPeriphRegisters    `yaml:"comp_periph"`
}

// Calibrated reports whether the calibration delimiter holds the calibrated sentinel.
func (s Snapshot) Calibrated() bool {
	return s.Calibration.Delimiter == DelimiterCalibrated
}

// WriteYAML writes the snapshot as a YAML document.
func (s Snapshot) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode register snapshot: %w", err)
	}
	return enc.Close()
}
