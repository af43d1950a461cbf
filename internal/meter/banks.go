// Package meter maps the MCP39F511 register banks onto typed snapshots and
// exposes the register operations used by monitoring and calibration.
package meter

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/nexus-edge/energy-monitor/internal/domain"
)

// Bank identifies one of the device's register banks.
type Bank int

const (
	BankOutput Bank = iota
	BankEnergyCounters
	BankRecord
	BankCalibration
	BankConfig1
	BankConfig2
	BankCompPeriph
	bankCount
)

var bankLayout = [bankCount]struct {
	name    string
	address uint16
	size    int
}{
	BankOutput:         {"output", 0x0000, 30},
	BankEnergyCounters: {"energy_counters", 0x001E, 32},
	BankRecord:         {"record", 0x003E, 32},
	BankCalibration:    {"calibration", 0x005E, 28},
	BankConfig1:        {"config1", 0x007A, 28},
	BankConfig2:        {"config2", 0x0096, 22},
	BankCompPeriph:     {"comp_periph", 0x00C6, 28},
}

// String returns the bank name.
func (b Bank) String() string {
	if b < 0 || b >= bankCount {
		return fmt.Sprintf("bank(%d)", int(b))
	}
	return bankLayout[b].name
}

// Address returns the bank's base register address.
func (b Bank) Address() uint16 { return bankLayout[b].address }

// Size returns the bank's size in bytes.
func (b Bank) Size() int { return bankLayout[b].size }

// Individual register addresses written by this package.
const (
	AddrCalibrationDelimiter uint16 = 0x005E
	AddrOffsetCurrent        uint16 = 0x0068
	AddrSystemConfig         uint16 = 0x007A
	AddrRangeVoltage         uint16 = 0x0082
	AddrCalibCurrent         uint16 = 0x0086
	AddrLineFrequencyRef     uint16 = 0x0094
	AddrAccumulationInterval uint16 = 0x009E
	AddrPWMPeriod            uint16 = 0x00CE
	AddrPWMControl           uint16 = 0x00DE
)

// Calibration delimiter values.
const (
	// DelimiterCalibrated is the power-on default; saving with it keeps the stored calibration.
	DelimiterCalibrated uint16 = 0x1234
	// DelimiterUncalibrated makes the next save restore factory defaults.
	DelimiterUncalibrated uint16 = 0xA5A5
)

// System status bits (OutputRegisters.SystemStatus).
const (
	StatusVSag     uint16 = 1 << 0
	StatusVSurge   uint16 = 1 << 1
	StatusOverCur  uint16 = 1 << 2
	StatusOverPow  uint16 = 1 << 3
	StatusSignPA   uint16 = 1 << 4
	StatusSignPR   uint16 = 1 << 5
	StatusOverTemp uint16 = 1 << 6
	StatusEvent1   uint16 = 1 << 10
	StatusEvent2   uint16 = 1 << 11
)

// System configuration bits (Config1Registers.SystemConfig).
const (
	ConfigVRefExt      uint32 = 1 << 2
	ConfigShutdown     uint32 = 1 << 3
	ConfigReset        uint32 = 1 << 5
	ConfigTempComp     uint32 = 1 << 7
	ConfigSingleWire   uint32 = 1 << 8
	ConfigZCDOutputDis uint32 = 1 << 10
	ConfigZCDPulse     uint32 = 1 << 11
	ConfigZCDInvert    uint32 = 1 << 12
	ConfigUART         uint32 = 1 << 13
	ConfigVRefCal      uint32 = 1 << 15
	ConfigPGACh2       uint32 = 1 << 23
	ConfigPGACh1       uint32 = 1 << 26
)

// OutputRegisters is the measurement bank at 0x0000.
type OutputRegisters struct {
	InstructionPointer uint16 `yaml:"instruction_pointer"`
	SystemStatus       uint16 `yaml:"system_status"`
	SystemVersion      uint16 `yaml:"system_version"`
	VoltageRMS         uint16 `yaml:"voltage_rms"`
	LineFrequency      uint16 `yaml:"line_frequency"`
	AnalogInputVoltage uint16 `yaml:"analog_input_voltage"`
	PowerFactor        int16  `yaml:"power_factor"`
	CurrentRMS         uint32 `yaml:"current_rms"`
	ActivePower        uint32 `yaml:"active_power"`
	ReactivePower      uint32 `yaml:"reactive_power"`
	ApparentPower      uint32 `yaml:"apparent_power"`
}

// HasStatus reports whether all bits in mask are set in the system status.
func (o OutputRegisters) HasStatus(mask uint16) bool {
	return o.SystemStatus&mask == mask
}

// EnergyCounterRegisters holds the import/export accumulators at 0x001E.
type EnergyCounterRegisters struct {
	ImportActive   uint64 `yaml:"import_active"`
	ExportActive   uint64 `yaml:"export_active"`
	ImportReactive uint64 `yaml:"import_reactive"`
	ExportReactive uint64 `yaml:"export_reactive"`
}

// RecordRegisters holds the min/max records at 0x003E.
type RecordRegisters struct {
	Minimum1  uint32 `yaml:"minimum_1"`
	Minimum2  uint32 `yaml:"minimum_2"`
	Reserved1 uint32 `yaml:"reserved_1"`
	Reserved2 uint32 `yaml:"reserved_2"`
	Maximum1  uint32 `yaml:"maximum_1"`
	Maximum2  uint32 `yaml:"maximum_2"`
	Reserved3 uint32 `yaml:"reserved_3"`
	Reserved4 uint32 `yaml:"reserved_4"`
}

// CalibrationRegisters holds gains and offsets at 0x005E.
type CalibrationRegisters struct {
	Delimiter            uint16 `yaml:"delimiter"`
	GainCurrentRMS       uint16 `yaml:"gain_current_rms"`
	GainVoltageRMS       uint16 `yaml:"gain_voltage_rms"`
	GainActivePower      uint16 `yaml:"gain_active_power"`
	GainReactivePower    uint16 `yaml:"gain_reactive_power"`
	OffsetCurrentRMS     int32  `yaml:"offset_current_rms"`
	OffsetActivePower    int32  `yaml:"offset_active_power"`
	OffsetReactivePower  int32  `yaml:"offset_reactive_power"`
	DCOffsetCurrent      int16  `yaml:"dc_offset_current"`
	PhaseCompensation    int16  `yaml:"phase_compensation"`
	ApparentPowerDivisor uint16 `yaml:"apparent_power_divisor"`
}

// Config1Registers holds system configuration and calibration targets at 0x007A.
type Config1Registers struct {
	SystemConfig       uint32 `yaml:"system_config"`
	EventConfig        uint16 `yaml:"event_config"`
	Reserved           uint16 `yaml:"reserved"`
	RangeVoltage       uint8  `yaml:"range_voltage"`
	RangeCurrent       uint8  `yaml:"range_current"`
	RangePower         uint8  `yaml:"range_power"`
	RangeReserved      uint8  `yaml:"range_reserved"`
	CalibCurrent       uint32 `yaml:"calibration_current"`
	CalibVoltage       uint16 `yaml:"calibration_voltage"`
	CalibPowerActive   uint32 `yaml:"calibration_power_active"`
	CalibPowerReactive uint32 `yaml:"calibration_power_reactive"`
	LineFrequencyRef   uint16 `yaml:"line_frequency_ref"`
}

// HasConfig reports whether all bits in mask are set in the system configuration.
func (c Config1Registers) HasConfig(mask uint32) bool {
	return c.SystemConfig&mask == mask
}

// Config2Registers holds averaging and limit settings at 0x0096.
type Config2Registers struct {
	Reserved1            uint32 `yaml:"reserved_1"`
	Reserved2            uint32 `yaml:"reserved_2"`
	AccumulationInterval uint16 `yaml:"accumulation_interval"`
	VoltageSagLimit      uint16 `yaml:"voltage_sag_limit"`
	VoltageSurgeLimit    uint16 `yaml:"voltage_surge_limit"`
	OverCurrentLimit     uint32 `yaml:"over_current_limit"`
	OverPowerLimit       uint32 `yaml:"over_power_limit"`
}

// CompPeriphRegisters holds temperature compensation and peripheral control at 0x00C6.
type CompPeriphRegisters struct {
	TempCompFrequency uint16 `yaml:"temp_comp_frequency"`
	TempCompCurrent   uint16 `yaml:"temp_comp_current"`
	TempCompPower     uint16 `yaml:"temp_comp_power"`
	AmbientTempRef    uint16 `yaml:"ambient_temp_ref"`
	PWMPeriod         uint16 `yaml:"pwm_period"`
	PWMDutyCycle      uint16 `yaml:"pwm_duty_cycle"`
	Reserved1         uint16 `yaml:"reserved_1"`
	MinMaxPointer1    uint16 `yaml:"min_max_pointer_1"`
	MinMaxPointer2    uint16 `yaml:"min_max_pointer_2"`
	OverTempLimit     uint16 `yaml:"over_temp_limit"`
	Reserved2         uint16 `yaml:"reserved_2"`
	EnergyControl     uint16 `yaml:"energy_control"`
	PWMControl        uint16 `yaml:"pwm_control"`
	NoLoadThreshold   uint16 `yaml:"no_load_threshold"`
}

// Registers is the set of bank types.
type Registers interface {
	OutputRegisters | EnergyCounterRegisters | RecordRegisters | CalibrationRegisters |
		Config1Registers | Config2Registers | CompPeriphRegisters
}

// Decode unpacks a bank from its little-endian wire form.
func Decode[T Registers](b []byte) (T, error) {
	var v T
	if size := binary.Size(v); len(b) != size {
		return v, fmt.Errorf("%w: expected %d bytes, got %d", domain.ErrBankSize, size, len(b))
	}
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &v); err != nil {
		return v, fmt.Errorf("%w: %v", domain.ErrBankSize, err)
	}
	return v, nil
}

// Encode packs a bank into its little-endian wire form.
func Encode[T Registers](v T) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(binary.Size(v))
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBankSize, err)
	}
	return buf.Bytes(), nil
}

func le16(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

func le32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}
