package meter

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nexus-edge/energy-monitor/internal/adapter/mcp"
	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/nexus-edge/energy-monitor/pkg/event"
	"github.com/rs/zerolog"
)

// EEPROM geometry.
const (
	EEPROMPages    = 32
	EEPROMPageSize = 16
)

// Engine is the transaction engine the interface drives.
type Engine interface {
	Enqueue(cmd mcp.Command, addr uint16, payload []byte, readLen int) (uint64, error)
	OnComplete(fn func(mcp.Completion)) (unsubscribe func())
	Reopen() error
}

// Scheduler runs fn on the owning goroutine after d.
type Scheduler interface {
	After(d time.Duration, fn func())
}

// ResetLine drives the device's hardware reset input.
type ResetLine interface {
	Assert() error
	Release() error
}

// Ready is published when a bank read completes.
type Ready[T Registers] struct {
	ID        uint64
	Registers T
}

// EEPROMPage is published when a page read completes.
type EEPROMPage struct {
	ID   uint64
	Page int
	Data [EEPROMPageSize]byte
}

// DecodeFailure is published when a completed bank read cannot be decoded.
type DecodeFailure struct {
	ID   uint64
	Bank Bank
	Err  error
}

// FactoryResetComplete is published once the device has been reset after a factory reset.
type FactoryResetComplete struct {
	ID uint64
}

// Ranges selects the voltage, current and power measurement ranges.
type Ranges struct {
	Voltage uint8
	Current uint8
	Power   uint8
}

// DefaultRanges are the ranges used for calibration.
var DefaultRanges = Ranges{Voltage: 0x12, Current: 0x09, Power: 0x10}

// CalibrationTargets are the reference values written before auto-calibration.
type CalibrationTargets struct {
	Current  uint32
	Voltage  uint16
	Active   uint32
	Reactive uint32
}

// Config holds interface timing.
type Config struct {
	// ResetHold is how long the reset line is held low.
	ResetHold time.Duration
	// SettleDelay is the wait between a factory reset save and the hardware reset.
	SettleDelay time.Duration
	// BeepFrequency and BeepDuty configure the sounder during Initialise.
	BeepFrequency int
	BeepDuty      int
}

// DefaultConfig returns the interface timing used on the hardware.
func DefaultConfig() Config {
	return Config{
		ResetHold:     time.Second,
		SettleDelay:   time.Second,
		BeepFrequency: DefaultBeepFrequency,
		BeepDuty:      DefaultBeepDuty,
	}
}

// Interface exposes the device's register banks and commands on top of the
// engine. It is not safe for concurrent use; all calls and callbacks run on
// the scheduler goroutine.
type Interface struct {
	engine Engine
	sched  Scheduler
	reset  ResetLine
	config Config
	logger zerolog.Logger
	now    func() time.Time

	pending   [bankCount]uint64
	loaded    [bankCount]bool
	pageReads map[uint64]int

	readAllID      uint64
	initPending    bool
	factoryResetID uint64
	resetting      bool

	snap   Snapshot
	filter NoiseFilter
	last   domain.Measurement

	completions    event.Feed[mcp.Completion]
	outputReady    event.Feed[Ready[OutputRegisters]]
	energyReady    event.Feed[Ready[EnergyCounterRegisters]]
	recordReady    event.Feed[Ready[RecordRegisters]]
	calibReady     event.Feed[Ready[CalibrationRegisters]]
	config1Ready   event.Feed[Ready[Config1Registers]]
	config2Ready   event.Feed[Ready[Config2Registers]]
	compReady      event.Feed[Ready[CompPeriphRegisters]]
	measurements   event.Feed[domain.Measurement]
	decodeFailures event.Feed[DecodeFailure]
	readAllDone    event.Feed[uint64]
	initialised    event.Feed[struct{}]
	factoryResets  event.Feed[FactoryResetComplete]
	eepromPages    event.Feed[EEPROMPage]
	unsubscribeEng func()
}

// New creates an interface bound to engine.
func New(engine Engine, sched Scheduler, reset ResetLine, config Config, logger zerolog.Logger) *Interface {
	def := DefaultConfig()
	if config.ResetHold == 0 {
		config.ResetHold = def.ResetHold
	}
	if config.SettleDelay == 0 {
		config.SettleDelay = def.SettleDelay
	}
	if config.BeepFrequency == 0 {
		config.BeepFrequency = def.BeepFrequency
	}
	if config.BeepDuty == 0 {
		config.BeepDuty = def.BeepDuty
	}

	i := &Interface{
		engine:    engine,
		sched:     sched,
		reset:     reset,
		config:    config,
		logger:    logger.With().Str("component", "register-interface").Logger(),
		now:       time.Now,
		pageReads: make(map[uint64]int),
	}
	i.unsubscribeEng = engine.OnComplete(i.handleCompletion)
	return i
}

// Close detaches the interface from the engine.
func (i *Interface) Close() {
	if i.unsubscribeEng != nil {
		i.unsubscribeEng()
		i.unsubscribeEng = nil
	}
}

// =============================================================================
// Subscriptions
// =============================================================================

// OnCompletion subscribes to every completed transaction.
func (i *Interface) OnCompletion(fn func(mcp.Completion)) func() { return i.completions.Subscribe(fn) }

// OnOutput subscribes to Output bank reads.
func (i *Interface) OnOutput(fn func(Ready[OutputRegisters])) func() {
	return i.outputReady.Subscribe(fn)
}

// OnEnergyCounters subscribes to EnergyCounters bank reads.
func (i *Interface) OnEnergyCounters(fn func(Ready[EnergyCounterRegisters])) func() {
	return i.energyReady.Subscribe(fn)
}

// OnRecord subscribes to Record bank reads.
func (i *Interface) OnRecord(fn func(Ready[RecordRegisters])) func() {
	return i.recordReady.Subscribe(fn)
}

// OnCalibration subscribes to Calibration bank reads.
func (i *Interface) OnCalibration(fn func(Ready[CalibrationRegisters])) func() {
	return i.calibReady.Subscribe(fn)
}

// OnConfig1 subscribes to Config1 bank reads.
func (i *Interface) OnConfig1(fn func(Ready[Config1Registers])) func() {
	return i.config1Ready.Subscribe(fn)
}

// OnConfig2 subscribes to Config2 bank reads.
func (i *Interface) OnConfig2(fn func(Ready[Config2Registers])) func() {
	return i.config2Ready.Subscribe(fn)
}

// OnCompPeriph subscribes to CompPeriph bank reads.
func (i *Interface) OnCompPeriph(fn func(Ready[CompPeriphRegisters])) func() {
	return i.compReady.Subscribe(fn)
}

// OnMeasurement subscribes to filtered measurements.
func (i *Interface) OnMeasurement(fn func(domain.Measurement)) func() {
	return i.measurements.Subscribe(fn)
}

// OnDecodeFailure subscribes to bank reads that completed with undecodable data.
func (i *Interface) OnDecodeFailure(fn func(DecodeFailure)) func() {
	return i.decodeFailures.Subscribe(fn)
}

// OnReadAll subscribes to read-all completions; the argument is the read-all id.
func (i *Interface) OnReadAll(fn func(uint64)) func() { return i.readAllDone.Subscribe(fn) }

// OnInitialised subscribes to the end of initialisation.
func (i *Interface) OnInitialised(fn func()) func() {
	return i.initialised.Subscribe(func(struct{}) { fn() })
}

// OnFactoryReset subscribes to factory reset completion.
func (i *Interface) OnFactoryReset(fn func(FactoryResetComplete)) func() {
	return i.factoryResets.Subscribe(fn)
}

// OnEEPROMPage subscribes to EEPROM page reads.
func (i *Interface) OnEEPROMPage(fn func(EEPROMPage)) func() { return i.eepromPages.Subscribe(fn) }

// =============================================================================
// Bank reads
// =============================================================================

func (i *Interface) request(b Bank) (uint64, error) {
	if id := i.pending[b]; id != 0 {
		return id, nil
	}
	id, err := i.engine.Enqueue(mcp.CmdRegisterRead, b.Address(), nil, b.Size())
	if err != nil {
		return 0, fmt.Errorf("request %s bank: %w", b, err)
	}
	i.pending[b] = id
	return id, nil
}

// RequestOutput reads the Output bank. A request already outstanding is reused.
func (i *Interface) RequestOutput() (uint64, error) { return i.request(BankOutput) }

// RequestEnergyCounters reads the EnergyCounters bank.
func (i *Interface) RequestEnergyCounters() (uint64, error) { return i.request(BankEnergyCounters) }

// RequestRecord reads the Record bank.
func (i *Interface) RequestRecord() (uint64, error) { return i.request(BankRecord) }

// RequestCalibration reads the Calibration bank.
func (i *Interface) RequestCalibration() (uint64, error) { return i.request(BankCalibration) }

// RequestConfig1 reads the Config1 bank.
func (i *Interface) RequestConfig1() (uint64, error) { return i.request(BankConfig1) }

// RequestConfig2 reads the Config2 bank.
func (i *Interface) RequestConfig2() (uint64, error) { return i.request(BankConfig2) }

// RequestCompPeriph reads the CompPeriph bank.
func (i *Interface) RequestCompPeriph() (uint64, error) { return i.request(BankCompPeriph) }

// ReadAll requests every bank. The returned id completes after all of them.
func (i *Interface) ReadAll() (uint64, error) {
	if i.readAllID != 0 {
		return i.readAllID, nil
	}
	var last uint64
	for b := Bank(0); b < bankCount; b++ {
		id, err := i.request(b)
		if err != nil {
			return 0, err
		}
		if id > last {
			last = id
		}
	}
	i.readAllID = last
	return last, nil
}

// Pending reports whether a read of bank b is outstanding.
func (i *Interface) Pending(b Bank) bool {
	return i.pending[b] != 0
}

// Loaded reports whether bank b has been decoded since the last Initialise.
func (i *Interface) Loaded(b Bank) bool {
	return i.loaded[b]
}

// =============================================================================
// Device lifecycle
// =============================================================================

// Initialise resets the device, configures the sounder and reads every bank.
// Initialised fires when that first read completes.
func (i *Interface) Initialise() {
	i.pending = [bankCount]uint64{}
	i.loaded = [bankCount]bool{}
	i.readAllID = 0
	i.filter.Reset()
	i.initPending = true

	i.logger.Info().Msg("Initialising meter")
	i.hardReset(func() {
		if _, err := i.SetupPWM(i.config.BeepFrequency, i.config.BeepDuty); err != nil {
			i.logger.Error().Err(err).Msg("Failed to configure sounder")
		}
		if _, err := i.ReadAll(); err != nil {
			i.logger.Error().Err(err).Msg("Failed to request register banks")
		}
	})
}

// Reinitialise reopens the serial transport and initialises the device again.
func (i *Interface) Reinitialise() error {
	if err := i.engine.Reopen(); err != nil {
		return err
	}
	i.Initialise()
	return nil
}

// FactoryReset restores the device's factory calibration: the delimiter is
// set to the uncalibrated sentinel, registers are saved to flash and the
// device is reset. A reset already in progress returns its id.
func (i *Interface) FactoryReset() (uint64, error) {
	if i.factoryResetID != 0 {
		return i.factoryResetID, nil
	}
	if _, err := i.WriteCalibrationDelimiter(DelimiterUncalibrated); err != nil {
		return 0, err
	}
	id, err := i.SaveToFlash()
	if err != nil {
		return 0, err
	}
	i.factoryResetID = id
	i.logger.Warn().Uint64("id", id).Msg("Factory reset requested")
	return id, nil
}

func (i *Interface) hardReset(done func()) {
	if err := i.reset.Assert(); err != nil {
		i.logger.Error().Err(err).Msg("Failed to assert reset line")
	}
	i.sched.After(i.config.ResetHold, func() {
		if err := i.reset.Release(); err != nil {
			i.logger.Error().Err(err).Msg("Failed to release reset line")
		}
		done()
	})
}

// =============================================================================
// Writes and commands
// =============================================================================

func (i *Interface) write(addr uint16, data []byte) (uint64, error) {
	id, err := i.engine.Enqueue(mcp.CmdRegisterWrite, addr, data, 0)
	if err != nil {
		return 0, fmt.Errorf("write 0x%04x: %w", addr, err)
	}
	return id, nil
}

func (i *Interface) command(cmd mcp.Command) (uint64, error) {
	id, err := i.engine.Enqueue(cmd, 0, nil, 0)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", cmd, err)
	}
	return id, nil
}

// WriteCalibrationDelimiter writes the calibration delimiter.
func (i *Interface) WriteCalibrationDelimiter(v uint16) (uint64, error) {
	return i.write(AddrCalibrationDelimiter, le16(v))
}

// WriteAccumulationInterval writes the accumulation interval (2^n line cycles).
func (i *Interface) WriteAccumulationInterval(n uint16) (uint64, error) {
	return i.write(AddrAccumulationInterval, le16(n))
}

// WriteRanges writes the measurement range selectors.
func (i *Interface) WriteRanges(r Ranges) (uint64, error) {
	return i.write(AddrRangeVoltage, []byte{r.Voltage, r.Current, r.Power, 0})
}

// WriteOffsets writes the current, active power and reactive power offsets.
func (i *Interface) WriteOffsets(current, active, reactive int32) (uint64, error) {
	data := make([]byte, 0, 12)
	data = binary.LittleEndian.AppendUint32(data, uint32(current))
	data = binary.LittleEndian.AppendUint32(data, uint32(active))
	data = binary.LittleEndian.AppendUint32(data, uint32(reactive))
	return i.write(AddrOffsetCurrent, data)
}

// WriteSystemConfig writes the system configuration register.
func (i *Interface) WriteSystemConfig(v uint32) (uint64, error) {
	return i.write(AddrSystemConfig, le32(v))
}

// WriteLineFrequencyReference writes the line frequency reference in mHz.
func (i *Interface) WriteLineFrequencyReference(v uint16) (uint64, error) {
	return i.write(AddrLineFrequencyRef, le16(v))
}

// WriteCalibrationTargets writes the current, voltage and power targets.
func (i *Interface) WriteCalibrationTargets(t CalibrationTargets) (uint64, error) {
	data := make([]byte, 0, 14)
	data = binary.LittleEndian.AppendUint32(data, t.Current)
	data = binary.LittleEndian.AppendUint16(data, t.Voltage)
	data = binary.LittleEndian.AppendUint32(data, t.Active)
	data = binary.LittleEndian.AppendUint32(data, t.Reactive)
	return i.write(AddrCalibCurrent, data)
}

// AutoCalibrateGain runs the device's gain calibration against the written targets.
func (i *Interface) AutoCalibrateGain() (uint64, error) {
	return i.command(mcp.CmdAutoCalibrateGain)
}

// AutoCalibrateReactiveGain runs the device's reactive gain calibration.
func (i *Interface) AutoCalibrateReactiveGain() (uint64, error) {
	return i.command(mcp.CmdAutoCalibrateReactiveGain)
}

// AutoCalibrateFrequency runs the device's line frequency calibration.
func (i *Interface) AutoCalibrateFrequency() (uint64, error) {
	return i.command(mcp.CmdAutoCalibrateFrequency)
}

// SaveToFlash stores the registers in the device's flash.
func (i *Interface) SaveToFlash() (uint64, error) {
	return i.command(mcp.CmdSaveToFlash)
}

// SetupPWM programs the sounder frequency and duty and switches it off.
func (i *Interface) SetupPWM(freqHz, duty int) (uint64, error) {
	period, dutyCycle, err := PWMRegisters(freqHz, duty)
	if err != nil {
		return 0, err
	}
	data := binary.LittleEndian.AppendUint16(le16(period), dutyCycle)
	if _, err := i.write(AddrPWMPeriod, data); err != nil {
		return 0, err
	}
	return i.Beep(false)
}

// Beep switches the sounder on or off.
func (i *Interface) Beep(on bool) (uint64, error) {
	var v uint16
	if on {
		v = 1
	}
	return i.write(AddrPWMControl, le16(v))
}

// ReadEEPROMPage reads one 16-byte EEPROM page.
func (i *Interface) ReadEEPROMPage(page int) (uint64, error) {
	if page < 0 || page >= EEPROMPages {
		return 0, fmt.Errorf("%w: %d", domain.ErrInvalidPage, page)
	}
	id, err := i.engine.Enqueue(mcp.CmdPageReadEEPROM, uint16(page), nil, EEPROMPageSize)
	if err != nil {
		return 0, fmt.Errorf("read eeprom page %d: %w", page, err)
	}
	i.pageReads[id] = page
	return id, nil
}

// WriteEEPROMPage writes one 16-byte EEPROM page.
func (i *Interface) WriteEEPROMPage(page int, data [EEPROMPageSize]byte) (uint64, error) {
	if page < 0 || page >= EEPROMPages {
		return 0, fmt.Errorf("%w: %d", domain.ErrInvalidPage, page)
	}
	id, err := i.engine.Enqueue(mcp.CmdPageWriteEEPROM, uint16(page), data[:], 0)
	if err != nil {
		return 0, fmt.Errorf("write eeprom page %d: %w", page, err)
	}
	return id, nil
}

// BulkEraseEEPROM erases the whole EEPROM.
func (i *Interface) BulkEraseEEPROM() (uint64, error) {
	return i.command(mcp.CmdBulkEraseEEPROM)
}

// =============================================================================
// Snapshots
// =============================================================================

// Snapshot returns a copy of every decoded bank.
func (i *Interface) Snapshot() Snapshot { return i.snap }

// Output returns the last decoded Output bank.
func (i *Interface) Output() OutputRegisters { return i.snap.Output }

// Calibration returns the last decoded Calibration bank.
func (i *Interface) Calibration() CalibrationRegisters { return i.snap.Calibration }

// Config1 returns the last decoded Config1 bank.
func (i *Interface) Config1() Config1Registers { return i.snap.Config1 }

// Config2 returns the last decoded Config2 bank.
func (i *Interface) Config2() Config2Registers { return i.snap.Config2 }

// LastMeasurement returns the last filtered measurement.
func (i *Interface) LastMeasurement() domain.Measurement { return i.last }

// =============================================================================
// Completion handling
// =============================================================================

func (i *Interface) handleCompletion(c mcp.Completion) {
	i.completions.Publish(c)

	for b := Bank(0); b < bankCount; b++ {
		if i.pending[b] == c.ID {
			i.pending[b] = 0
			if err := i.decode(b, c); err != nil {
				i.logger.Error().Err(err).Uint64("id", c.ID).Str("bank", b.String()).Msg("Failed to decode register bank")
				i.decodeFailures.Publish(DecodeFailure{ID: c.ID, Bank: b, Err: err})
			} else {
				i.loaded[b] = true
			}
			break
		}
	}

	if page, ok := i.pageReads[c.ID]; ok {
		delete(i.pageReads, c.ID)
		ev := EEPROMPage{ID: c.ID, Page: page}
		copy(ev.Data[:], c.Data)
		i.eepromPages.Publish(ev)
	}

	if i.readAllID != 0 && c.ID == i.readAllID {
		i.readAllID = 0
		i.readAllDone.Publish(c.ID)
		if i.initPending {
			i.initPending = false
			i.logger.Info().
				Uint16("version", i.snap.Output.SystemVersion).
				Bool("calibrated", i.snap.Calibrated()).
				Msg("Meter initialised")
			i.initialised.Publish(struct{}{})
		}
	}

	if i.factoryResetID != 0 && c.ID == i.factoryResetID && !i.resetting {
		i.resetting = true
		id := c.ID
		i.sched.After(i.config.SettleDelay, func() {
			i.hardReset(func() {
				i.factoryResetID = 0
				i.resetting = false
				i.logger.Warn().Uint64("id", id).Msg("Factory reset complete")
				i.factoryResets.Publish(FactoryResetComplete{ID: id})
			})
		})
	}
}

func (i *Interface) decode(b Bank, c mcp.Completion) error {
	i.snap.Taken = i.now()
	switch b {
	case BankOutput:
		regs, err := Decode[OutputRegisters](c.Data)
		if err != nil {
			return err
		}
		i.snap.Output = regs
		i.outputReady.Publish(Ready[OutputRegisters]{ID: c.ID, Registers: regs})
		i.last = decodeMeasurement(&i.filter, regs, i.snap.Taken)
		i.measurements.Publish(i.last)
	case BankEnergyCounters:
		regs, err := Decode[EnergyCounterRegisters](c.Data)
		if err != nil {
			return err
		}
		i.snap.EnergyCounters = regs
		i.energyReady.Publish(Ready[EnergyCounterRegisters]{ID: c.ID, Registers: regs})
	case BankRecord:
		regs, err := Decode[RecordRegisters](c.Data)
		if err != nil {
			return err
		}
		i.snap.Record = regs
		i.recordReady.Publish(Ready[RecordRegisters]{ID: c.ID, Registers: regs})
	case BankCalibration:
		regs, err := Decode[CalibrationRegisters](c.Data)
		if err != nil {
			return err
		}
		i.snap.Calibration = regs
		i.calibReady.Publish(Ready[CalibrationRegisters]{ID: c.ID, Registers: regs})
	case BankConfig1:
		regs, err := Decode[Config1Registers](c.Data)
		if err != nil {
			return err
		}
		i.snap.Config1 = regs
		i.config1Ready.Publish(Ready[Config1Registers]{ID: c.ID, Registers: regs})
	case BankConfig2:
		regs, err := Decode[Config2Registers](c.Data)
		if err != nil {
			return err
		}
		i.snap.Config2 = regs
		i.config2Ready.Publish(Ready[Config2Registers]{ID: c.ID, Registers: regs})
	case BankCompPeriph:
		regs, err := Decode[CompPeriphRegisters](c.Data)
		if err != nil {
			return err
		}
		i.snap.CompPeriph = regs
		i.compReady.Publish(Ready[CompPeriphRegisters]{ID: c.ID, Registers: regs})
	}
	return nil
}
