package service

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-edge/energy-monitor/internal/adapter/mcp"
	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/nexus-edge/energy-monitor/internal/meter"
	"github.com/nexus-edge/energy-monitor/internal/metrics"
	"github.com/nexus-edge/energy-monitor/pkg/event"
	"github.com/rs/zerolog"
)

// CalibrationState is a step of the calibration sequence.
type CalibrationState int32

const (
	CalIdle CalibrationState = iota
	CalWaitForLoadPFOne
	CalConnectToAnalyzer
	CalGetReferencePFOne
	CalGetDeviceMeasurementsPFOne
	CalWriteFrequency
	CalAutoCalibFrequency
	CalWriteTargetsPFOne
	CalAutoCalibGain
	CalWaitForLoadPFHalf
	CalGetReferencePFHalf
	CalGetDeviceMeasurementsPFHalf
	CalWriteTargetsPFHalf
	CalAutoCalibReactiveGain
	CalSetSystemConfig
	CalReadAllRegisters
	CalSaveToFlash
)

var calibrationStateNames = [...]string{
	CalIdle:                        "idle",
	CalWaitForLoadPFOne:            "wait_for_load_pf_one",
	CalConnectToAnalyzer:           "connect_to_analyzer",
	CalGetReferencePFOne:           "get_reference_pf_one",
	CalGetDeviceMeasurementsPFOne:  "get_device_measurements_pf_one",
	CalWriteFrequency:              "write_frequency",
	CalAutoCalibFrequency:          "auto_calib_frequency",
	CalWriteTargetsPFOne:           "write_targets_pf_one",
	CalAutoCalibGain:               "auto_calib_gain",
	CalWaitForLoadPFHalf:           "wait_for_load_pf_half",
	CalGetReferencePFHalf:          "get_reference_pf_half",
	CalGetDeviceMeasurementsPFHalf: "get_device_measurements_pf_half",
	CalWriteTargetsPFHalf:          "write_targets_pf_half",
	CalAutoCalibReactiveGain:       "auto_calib_reactive_gain",
	CalSetSystemConfig:             "set_system_config",
	CalReadAllRegisters:            "read_all_registers",
	CalSaveToFlash:                 "save_to_flash",
}

// String returns the state name.
func (s CalibrationState) String() string {
	if s < 0 || int(s) >= len(calibrationStateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return calibrationStateNames[s]
}

// ReactiveBranch reports whether s belongs to the power factor 0.5 stage.
func (s CalibrationState) ReactiveBranch() bool {
	return s >= CalWaitForLoadPFHalf && s <= CalAutoCalibReactiveGain
}

// Meter is the register interface as used by calibration.
type Meter interface {
	OnCompletion(fn func(mcp.Completion)) func()
	OnOutput(fn func(meter.Ready[meter.OutputRegisters])) func()
	OnDecodeFailure(fn func(meter.DecodeFailure)) func()
	RequestOutput() (uint64, error)
	ReadAll() (uint64, error)
	WriteCalibrationDelimiter(v uint16) (uint64, error)
	WriteAccumulationInterval(n uint16) (uint64, error)
	WriteRanges(r meter.Ranges) (uint64, error)
	WriteOffsets(current, active, reactive int32) (uint64, error)
	WriteSystemConfig(v uint32) (uint64, error)
	WriteLineFrequencyReference(v uint16) (uint64, error)
	WriteCalibrationTargets(t meter.CalibrationTargets) (uint64, error)
	AutoCalibrateGain() (uint64, error)
	AutoCalibrateReactiveGain() (uint64, error)
	AutoCalibrateFrequency() (uint64, error)
	SaveToFlash() (uint64, error)
	Snapshot() meter.Snapshot
	Loaded(b meter.Bank) bool
	Reinitialise() error
}

// Analyzer is the reference analyzer as used by calibration.
type Analyzer interface {
	Connect(host string) error
	Disconnect()
	RequestMeasurement() error
	OnReady(fn func()) func()
	OnMeasurement(fn func(domain.Measurement)) func()
	OnFailure(fn func(error)) func()
}

// Link reports serial link transitions.
type Link interface {
	OnLinkState(fn func(mcp.LinkState)) func()
}

// Scheduler delays work on the loop goroutine.
type Scheduler interface {
	After(d time.Duration, fn func())
}

// CalibrationConfig holds calibration settings.
type CalibrationConfig struct {
	// ConfirmToken is the operator input that confirms a load is connected.
	ConfirmToken string
	// SettleDelay is the wait after saving to flash before the device is reinitialised.
	SettleDelay time.Duration
	// MeasureDelay is the wait between the device reading and the first calibration write.
	MeasureDelay time.Duration
	// AccumulationInterval is the averaging window, 2^n line cycles.
	AccumulationInterval uint16
	// StepTimeout fails the run when a device request gets no result in time.
	StepTimeout time.Duration
}

// DefaultCalibrationConfig returns the calibration defaults.
func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		ConfirmToken:         "y",
		SettleDelay:          time.Second,
		MeasureDelay:         time.Second,
		AccumulationInterval: 7,
		StepTimeout:          30 * time.Second,
	}
}

// Prompt asks the operator to act before the run continues.
type Prompt struct {
	RunID   string
	State   CalibrationState
	Message string
	Token   string
}

// DeviceTargets are reference values in device units.
type DeviceTargets struct {
	Voltage     uint16 // 0.1 V
	Current     uint32 // 0.1 mA
	Active      uint32 // 0.01 W
	Frequency   uint16 // mHz
	PowerFactor int32  // 2^-15
	Reactive    uint32 // 0.01 var
}

// ConvertReference scales a reference measurement to device units, rounding
// to nearest and saturating at each register's width.
func ConvertReference(m domain.Measurement) DeviceTargets {
	return DeviceTargets{
		Voltage:     uint16(saturate(m.VoltageRMS*10, 0, math.MaxUint16)),
		Current:     uint32(saturate(m.CurrentRMS*10000, 0, math.MaxUint32)),
		Active:      uint32(saturate(m.ActivePower*100, 0, math.MaxUint32)),
		Frequency:   uint16(saturate(m.Frequency*1000, 0, math.MaxUint16)),
		PowerFactor: int32(saturate(m.PowerFactor/math.Pow(2, -15), math.MinInt32, math.MaxInt32)),
		Reactive:    uint32(saturate(m.ReactivePower*100, 0, math.MaxUint32)),
	}
}

func saturate(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	x = math.Round(x)
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Calibrator runs the calibration sequence against a reference analyzer.
// All methods except State must be called from the loop goroutine.
type Calibrator struct {
	config   CalibrationConfig
	meter    Meter
	analyzer Analyzer
	sched    Scheduler
	logger   zerolog.Logger
	metrics  *metrics.Registry

	state     atomic.Int32
	gen       uint64
	runID     string
	host      string
	reactive  bool
	started   time.Time
	prompted  bool
	pendingID uint64
	reference domain.Measurement
	targets   DeviceTargets
	runLogger zerolog.Logger

	results     event.Feed[domain.CalibrationResult]
	prompts     event.Feed[Prompt]
	transitions event.Feed[CalibrationState]
	unsubs      []func()
}

// NewCalibrator creates a calibrator and subscribes it to its collaborators.
func NewCalibrator(
	config CalibrationConfig,
	m Meter,
	analyzer Analyzer,
	link Link,
	sched Scheduler,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Calibrator {
	def := DefaultCalibrationConfig()
	if config.ConfirmToken == "" {
		config.ConfirmToken = def.ConfirmToken
	}
	if config.SettleDelay == 0 {
		config.SettleDelay = def.SettleDelay
	}
	if config.AccumulationInterval == 0 {
		config.AccumulationInterval = def.AccumulationInterval
	}
	if config.StepTimeout == 0 {
		config.StepTimeout = def.StepTimeout
	}

	c := &Calibrator{
		config:   config,
		meter:    m,
		analyzer: analyzer,
		sched:    sched,
		logger:   logger.With().Str("component", "calibration").Logger(),
		metrics:  metricsReg,
	}
	c.runLogger = c.logger
	c.unsubs = append(c.unsubs,
		m.OnCompletion(c.handleCompletion),
		m.OnOutput(c.handleOutput),
		m.OnDecodeFailure(c.handleDecodeFailure),
		analyzer.OnReady(c.handleAnalyzerReady),
		analyzer.OnMeasurement(c.handleReference),
		analyzer.OnFailure(c.handleAnalyzerFailure),
		link.OnLinkState(c.handleLinkState),
	)
	return c
}

// Close unsubscribes the calibrator.
func (c *Calibrator) Close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

// OnResult subscribes to run results.
func (c *Calibrator) OnResult(fn func(domain.CalibrationResult)) func() {
	return c.results.Subscribe(fn)
}

// OnPrompt subscribes to operator prompts.
func (c *Calibrator) OnPrompt(fn func(Prompt)) func() {
	return c.prompts.Subscribe(fn)
}

// OnStateChange subscribes to state transitions.
func (c *Calibrator) OnStateChange(fn func(CalibrationState)) func() {
	return c.transitions.Subscribe(fn)
}

// State returns the current state. Safe for concurrent use.
func (c *Calibrator) State() CalibrationState {
	return CalibrationState(c.state.Load())
}

// RunID returns the id of the current run, or "" when idle.
func (c *Calibrator) RunID() string {
	if c.State() == CalIdle {
		return ""
	}
	return c.runID
}

func (c *Calibrator) setState(s CalibrationState) {
	prev := c.State()
	c.state.Store(int32(s))
	if c.metrics != nil {
		c.metrics.UpdateCalibrationState(int(s))
	}
	c.runLogger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Calibration state changed")
	c.transitions.Publish(s)
}

// Start begins a run against the analyzer at host. The reactive branch runs
// when reactive is set. It returns the run id.
func (c *Calibrator) Start(host string, reactive bool) (string, error) {
	if c.State() != CalIdle {
		return "", fmt.Errorf("%w: run %s is in %s", domain.ErrCalibrationInProgress, c.runID, c.State())
	}
	if strings.TrimSpace(host) == "" {
		return "", fmt.Errorf("%w: empty address", domain.ErrAnalyzerAddress)
	}
	// The system config write below keeps the device's other config bits.
	if !c.meter.Loaded(meter.BankConfig1) {
		return "", fmt.Errorf("%w: %s", domain.ErrBankNotLoaded, meter.BankConfig1)
	}

	c.gen++
	c.runID = uuid.NewString()
	c.host = strings.TrimSpace(host)
	c.reactive = reactive
	c.started = time.Now()
	c.prompted = false
	c.pendingID = 0
	c.reference = domain.Measurement{}
	c.targets = DeviceTargets{}
	c.runLogger = c.logger.With().Str("run_id", c.runID).Str("analyzer", c.host).Logger()

	c.runLogger.Info().Bool("reactive", reactive).Msg("Starting calibration")
	c.setState(CalWaitForLoadPFOne)

	// Keep the stored calibration on save, fix the averaging window and
	// ranges, clear offsets, then configure the system register. The run
	// waits on the last of these writes.
	steps := []func() (uint64, error){
		func() (uint64, error) { return c.meter.WriteCalibrationDelimiter(meter.DelimiterCalibrated) },
		func() (uint64, error) { return c.meter.WriteAccumulationInterval(c.config.AccumulationInterval) },
		func() (uint64, error) { return c.meter.WriteRanges(meter.DefaultRanges) },
		func() (uint64, error) { return c.meter.WriteOffsets(0, 0, 0) },
		func() (uint64, error) {
			cfg := c.meter.Snapshot().Config1.SystemConfig
			return c.meter.WriteSystemConfig(cfg | meter.ConfigZCDOutputDis | meter.ConfigTempComp)
		},
	}
	for _, step := range steps {
		if !c.issue(step) {
			return "", domain.ErrCalibrationFailed
		}
	}
	return c.runID, nil
}

// Confirm feeds operator input. It returns true when the input advanced the run.
func (c *Calibrator) Confirm(input string) bool {
	if strings.TrimSpace(input) != c.config.ConfirmToken || !c.prompted {
		return false
	}

	switch c.State() {
	case CalWaitForLoadPFOne:
		c.prompted = false
		c.setState(CalConnectToAnalyzer)
		if err := c.analyzer.Connect(c.host); err != nil {
			c.fail(fmt.Errorf("%w: %w", domain.ErrCalibrationFailed, err))
		}
		return true

	case CalWaitForLoadPFHalf:
		c.prompted = false
		c.setState(CalGetReferencePFHalf)
		if err := c.analyzer.RequestMeasurement(); err != nil {
			c.fail(fmt.Errorf("%w: %w", domain.ErrCalibrationFailed, err))
		}
		return true
	}
	return false
}

// Cancel aborts the run. Transactions already queued still complete but no
// longer advance any run.
func (c *Calibrator) Cancel() bool {
	if c.State() == CalIdle {
		return false
	}
	c.runLogger.Warn().Str("state", c.State().String()).Msg("Calibration cancelled")
	c.finish(domain.ErrCalibrationCancelled)
	return true
}

// issue sends one device request and records its id as the one the current
// state waits for.
func (c *Calibrator) issue(request func() (uint64, error)) bool {
	id, err := request()
	if err != nil {
		c.fail(fmt.Errorf("%w: %w", domain.ErrCalibrationFailed, err))
		return false
	}
	c.pendingID = id
	c.armStall(id)
	return true
}

// armStall fails the run if id is still awaited after StepTimeout.
func (c *Calibrator) armStall(id uint64) {
	if c.config.StepTimeout <= 0 {
		return
	}
	gen := c.gen
	c.sched.After(c.config.StepTimeout, func() {
		if gen != c.gen || c.pendingID != id {
			return
		}
		c.fail(fmt.Errorf("%w: %w: request %d in %s", domain.ErrCalibrationFailed, domain.ErrCalibrationStalled, id, c.State()))
	})
}

func (c *Calibrator) prompt(message string) {
	c.prompted = true
	c.runLogger.Info().Str("state", c.State().String()).Msg(message)
	c.prompts.Publish(Prompt{
		RunID:   c.runID,
		State:   c.State(),
		Message: message,
		Token:   c.config.ConfirmToken,
	})
}

func (c *Calibrator) handleCompletion(comp mcp.Completion) {
	state := c.State()
	if state == CalIdle || comp.ID != c.pendingID {
		return
	}
	// Output reads finish in handleOutput, once the bank is decoded.
	if state == CalGetDeviceMeasurementsPFOne || state == CalGetDeviceMeasurementsPFHalf {
		return
	}
	c.pendingID = 0

	switch state {
	case CalWaitForLoadPFOne:
		c.prompt("Apply a load of about 60 W at power factor 1, then confirm")

	case CalWriteFrequency:
		c.runLogger.Info().Msg("Calibrated frequency written, running frequency auto-calibration")
		c.setState(CalAutoCalibFrequency)
		c.issue(c.meter.AutoCalibrateFrequency)

	case CalAutoCalibFrequency:
		c.setState(CalWriteTargetsPFOne)
		c.issue(c.writeTargets)

	case CalWriteTargetsPFOne:
		c.runLogger.Info().Msg("Targets written, running gain auto-calibration")
		c.setState(CalAutoCalibGain)
		c.issue(c.meter.AutoCalibrateGain)

	case CalAutoCalibGain:
		c.runLogger.Info().Msg("Calibration at power factor 1 complete")
		if c.reactive {
			c.setState(CalWaitForLoadPFHalf)
			c.prompt("Apply a load of about 10 W at power factor 0.5, then confirm")
			return
		}
		c.setSystemConfig()

	case CalWriteTargetsPFHalf:
		c.runLogger.Info().Msg("Reactive targets written, running reactive gain auto-calibration")
		c.setState(CalAutoCalibReactiveGain)
		c.issue(c.meter.AutoCalibrateReactiveGain)

	case CalAutoCalibReactiveGain:
		c.runLogger.Info().Float64("power_factor", c.reference.PowerFactor).Msg("Reactive calibration complete")
		c.setSystemConfig()

	case CalSetSystemConfig:
		c.setState(CalReadAllRegisters)
		c.issue(c.meter.ReadAll)

	case CalReadAllRegisters:
		snap := c.meter.Snapshot()
		c.runLogger.Info().
			Uint8("range_voltage", snap.Config1.RangeVoltage).
			Uint8("range_current", snap.Config1.RangeCurrent).
			Uint8("range_power", snap.Config1.RangePower).
			Uint16("gain_voltage", snap.Calibration.GainVoltageRMS).
			Uint16("gain_current", snap.Calibration.GainCurrentRMS).
			Uint16("gain_active", snap.Calibration.GainActivePower).
			Uint16("gain_reactive", snap.Calibration.GainReactivePower).
			Msg("Calibration registers read back, saving to flash")
		c.setState(CalSaveToFlash)
		c.issue(c.meter.SaveToFlash)

	case CalSaveToFlash:
		gen := c.gen
		c.sched.After(c.config.SettleDelay, func() {
			if gen != c.gen {
				return
			}
			if err := c.meter.Reinitialise(); err != nil {
				c.fail(fmt.Errorf("%w: reinitialise: %w", domain.ErrCalibrationFailed, err))
				return
			}
			c.runLogger.Info().Msg("Settings stored in flash, calibration complete")
			c.finish(nil)
		})
	}
}

func (c *Calibrator) writeTargets() (uint64, error) {
	return c.meter.WriteCalibrationTargets(meter.CalibrationTargets{
		Current:  c.targets.Current,
		Voltage:  c.targets.Voltage,
		Active:   c.targets.Active,
		Reactive: c.targets.Reactive,
	})
}

// setSystemConfig disconnects the analyzer and re-asserts the averaging window.
func (c *Calibrator) setSystemConfig() {
	c.analyzer.Disconnect()
	c.setState(CalSetSystemConfig)
	c.issue(func() (uint64, error) { return c.meter.WriteAccumulationInterval(c.config.AccumulationInterval) })
}

func (c *Calibrator) handleAnalyzerReady() {
	if c.State() != CalConnectToAnalyzer {
		return
	}
	c.setState(CalGetReferencePFOne)
	if err := c.analyzer.RequestMeasurement(); err != nil {
		c.fail(fmt.Errorf("%w: %w", domain.ErrCalibrationFailed, err))
	}
}

func (c *Calibrator) handleReference(m domain.Measurement) {
	switch c.State() {
	case CalGetReferencePFOne:
		c.reference = m
		c.setState(CalGetDeviceMeasurementsPFOne)
	case CalGetReferencePFHalf:
		c.reference = m
		c.setState(CalGetDeviceMeasurementsPFHalf)
	default:
		return
	}
	c.runLogger.Info().
		Float64("volts", m.VoltageRMS).
		Float64("amps", m.CurrentRMS).
		Float64("watts", m.ActivePower).
		Float64("hz", m.Frequency).
		Float64("pf", m.PowerFactor).
		Float64("var", m.ReactivePower).
		Msg("Reference measurement received")
	c.issue(c.meter.RequestOutput)
}

func (c *Calibrator) handleOutput(r meter.Ready[meter.OutputRegisters]) {
	state := c.State()
	if state != CalGetDeviceMeasurementsPFOne && state != CalGetDeviceMeasurementsPFHalf {
		return
	}
	if r.ID != c.pendingID {
		return
	}
	c.pendingID = 0

	c.targets = ConvertReference(c.reference)
	out := r.Registers
	c.runLogger.Info().
		Uint16("ref_volts", c.targets.Voltage).
		Uint16("meter_volts", out.VoltageRMS).
		Uint32("ref_amps", c.targets.Current).
		Uint32("meter_amps", out.CurrentRMS).
		Uint32("ref_watts", c.targets.Active).
		Uint32("meter_watts", out.ActivePower).
		Uint16("ref_hz", c.targets.Frequency).
		Uint16("meter_hz", out.LineFrequency).
		Int32("ref_pf", c.targets.PowerFactor).
		Int16("meter_pf", out.PowerFactor).
		Uint32("ref_var", c.targets.Reactive).
		Uint32("meter_var", out.ReactivePower).
		Msg("Reference and meter readings")

	if state == CalGetDeviceMeasurementsPFHalf {
		c.setState(CalWriteTargetsPFHalf)
		c.issue(c.writeTargets)
		return
	}

	c.setState(CalWriteFrequency)
	writeFrequency := func() {
		c.issue(func() (uint64, error) { return c.meter.WriteLineFrequencyReference(c.targets.Frequency) })
	}
	if c.config.MeasureDelay <= 0 {
		writeFrequency()
		return
	}
	gen := c.gen
	c.sched.After(c.config.MeasureDelay, func() {
		if gen == c.gen && c.State() == CalWriteFrequency {
			writeFrequency()
		}
	})
}

func (c *Calibrator) handleDecodeFailure(f meter.DecodeFailure) {
	state := c.State()
	if state == CalIdle {
		return
	}
	if f.ID != c.pendingID && state != CalReadAllRegisters {
		return
	}
	c.fail(fmt.Errorf("%w: %s bank: %w", domain.ErrCalibrationFailed, f.Bank, f.Err))
}

func (c *Calibrator) handleAnalyzerFailure(err error) {
	if c.State() == CalIdle {
		return
	}
	c.fail(fmt.Errorf("%w: %w", domain.ErrCalibrationFailed, err))
}

func (c *Calibrator) handleLinkState(ls mcp.LinkState) {
	if ls.Up || c.State() == CalIdle {
		return
	}
	c.fail(fmt.Errorf("%w: %w", domain.ErrCalibrationFailed, domain.ErrLinkDown))
}

func (c *Calibrator) fail(err error) {
	if c.State() == CalIdle {
		return
	}
	c.runLogger.Error().Err(err).Str("state", c.State().String()).Msg("Calibration failed")
	c.finish(err)
}

// finish ends the run. Pending timers and completions from it are ignored
// from here on.
func (c *Calibrator) finish(err error) {
	c.analyzer.Disconnect()
	c.gen++
	c.pendingID = 0
	c.prompted = false
	c.setState(CalIdle)

	result := domain.CalibrationResult{
		RunID:     c.runID,
		Success:   err == nil,
		Reactive:  c.reactive,
		Duration:  time.Since(c.started),
		Timestamp: time.Now(),
		Err:       err,
	}
	if err != nil {
		result.Error = err.Error()
	}
	if c.metrics != nil {
		c.metrics.RecordCalibration(result.Success)
	}
	c.results.Publish(result)
}
