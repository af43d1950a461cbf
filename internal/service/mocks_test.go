package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nexus-edge/energy-monitor/internal/adapter/mcp"
	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/nexus-edge/energy-monitor/internal/meter"
	"github.com/nexus-edge/energy-monitor/pkg/event"
)

var errEnqueue = errors.New("enqueue failed")

// mockMeter records register operations and lets tests complete them.
type mockMeter struct {
	// Function overrides for custom behavior
	ReinitialiseFunc func() error
	// FailOn makes the named operation return errEnqueue.
	FailOn string
	// Unloaded lists banks Loaded reports as not yet read.
	Unloaded map[meter.Bank]bool

	// Call tracking
	Calls             []string
	Targets           []meter.CalibrationTargets
	FrequencyRefs     []uint16
	SystemConfigs     []uint32
	ReinitialiseCalls int
	Snap              meter.Snapshot

	nextID      uint64
	outputID    uint64
	completions event.Feed[mcp.Completion]
	outputs     event.Feed[meter.Ready[meter.OutputRegisters]]
	decodeFails event.Feed[meter.DecodeFailure]
	measurement event.Feed[domain.Measurement]
	initialised event.Feed[struct{}]
}

func newMockMeter() *mockMeter {
	return &mockMeter{}
}

func (m *mockMeter) record(name string) (uint64, error) {
	if name == m.FailOn {
		return 0, errEnqueue
	}
	m.nextID++
	m.Calls = append(m.Calls, name)
	return m.nextID, nil
}

func (m *mockMeter) OnCompletion(fn func(mcp.Completion)) func() { return m.completions.Subscribe(fn) }

func (m *mockMeter) OnOutput(fn func(meter.Ready[meter.OutputRegisters])) func() {
	return m.outputs.Subscribe(fn)
}

func (m *mockMeter) OnDecodeFailure(fn func(meter.DecodeFailure)) func() {
	return m.decodeFails.Subscribe(fn)
}

func (m *mockMeter) OnMeasurement(fn func(domain.Measurement)) func() {
	return m.measurement.Subscribe(fn)
}

func (m *mockMeter) OnInitialised(fn func()) func() {
	return m.initialised.Subscribe(func(struct{}) { fn() })
}

func (m *mockMeter) RequestOutput() (uint64, error) {
	if m.outputID != 0 {
		return m.outputID, nil
	}
	id, err := m.record("RequestOutput")
	if err == nil {
		m.outputID = id
	}
	return id, err
}

func (m *mockMeter) ReadAll() (uint64, error) { return m.record("ReadAll") }

func (m *mockMeter) WriteCalibrationDelimiter(uint16) (uint64, error) {
	return m.record("WriteCalibrationDelimiter")
}

func (m *mockMeter) WriteAccumulationInterval(uint16) (uint64, error) {
	return m.record("WriteAccumulationInterval")
}

func (m *mockMeter) WriteRanges(meter.Ranges) (uint64, error) { return m.record("WriteRanges") }

func (m *mockMeter) WriteOffsets(int32, int32, int32) (uint64, error) {
	return m.record("WriteOffsets")
}

func (m *mockMeter) WriteSystemConfig(v uint32) (uint64, error) {
	m.SystemConfigs = append(m.SystemConfigs, v)
	return m.record("WriteSystemConfig")
}

func (m *mockMeter) WriteLineFrequencyReference(v uint16) (uint64, error) {
	m.FrequencyRefs = append(m.FrequencyRefs, v)
	return m.record("WriteLineFrequencyReference")
}

func (m *mockMeter) WriteCalibrationTargets(t meter.CalibrationTargets) (uint64, error) {
	m.Targets = append(m.Targets, t)
	return m.record("WriteCalibrationTargets")
}

func (m *mockMeter) AutoCalibrateGain() (uint64, error) { return m.record("AutoCalibrateGain") }

func (m *mockMeter) AutoCalibrateReactiveGain() (uint64, error) {
	return m.record("AutoCalibrateReactiveGain")
}

func (m *mockMeter) AutoCalibrateFrequency() (uint64, error) {
	return m.record("AutoCalibrateFrequency")
}

func (m *mockMeter) SaveToFlash() (uint64, error) { return m.record("SaveToFlash") }

func (m *mockMeter) Beep(bool) (uint64, error) { return m.record("Beep") }

func (m *mockMeter) FactoryReset() (uint64, error) { return m.record("FactoryReset") }

func (m *mockMeter) Snapshot() meter.Snapshot { return m.Snap }

func (m *mockMeter) Loaded(b meter.Bank) bool { return !m.Unloaded[b] }

func (m *mockMeter) Reinitialise() error {
	m.ReinitialiseCalls++
	if m.ReinitialiseFunc != nil {
		return m.ReinitialiseFunc()
	}
	return nil
}

// last returns the most recent operation name.
func (m *mockMeter) last() string {
	if len(m.Calls) == 0 {
		return ""
	}
	return m.Calls[len(m.Calls)-1]
}

// completeLast completes the most recent transaction.
func (m *mockMeter) completeLast() {
	m.completions.Publish(mcp.Completion{ID: m.nextID})
}

// completeOutput completes the outstanding Output read with regs.
func (m *mockMeter) completeOutput(regs meter.OutputRegisters) {
	id := m.outputID
	m.outputID = 0
	m.completions.Publish(mcp.Completion{ID: id, Command: mcp.CmdRegisterRead})
	m.outputs.Publish(meter.Ready[meter.OutputRegisters]{ID: id, Registers: regs})
}

// failOutput reports the outstanding Output read as undecodable.
func (m *mockMeter) failOutput(err error) {
	id := m.outputID
	m.outputID = 0
	m.completions.Publish(mcp.Completion{ID: id, Command: mcp.CmdRegisterRead})
	m.decodeFails.Publish(meter.DecodeFailure{ID: id, Bank: meter.BankOutput, Err: err})
}

// mockAnalyzer records analyzer calls and lets tests fire its events.
type mockAnalyzer struct {
	// Function overrides for custom behavior
	ConnectFunc func(host string) error
	RequestFunc func() error

	// Call tracking
	Hosts           []string
	DisconnectCalls int
	RequestCalls    int

	ready        event.Feed[struct{}]
	measurements event.Feed[domain.Measurement]
	failures     event.Feed[error]
}

func (a *mockAnalyzer) Connect(host string) error {
	a.Hosts = append(a.Hosts, host)
	if a.ConnectFunc != nil {
		return a.ConnectFunc(host)
	}
	return nil
}

func (a *mockAnalyzer) Disconnect() { a.DisconnectCalls++ }

func (a *mockAnalyzer) RequestMeasurement() error {
	a.RequestCalls++
	if a.RequestFunc != nil {
		return a.RequestFunc()
	}
	return nil
}

func (a *mockAnalyzer) OnReady(fn func()) func() {
	return a.ready.Subscribe(func(struct{}) { fn() })
}

func (a *mockAnalyzer) OnMeasurement(fn func(domain.Measurement)) func() {
	return a.measurements.Subscribe(fn)
}

func (a *mockAnalyzer) OnFailure(fn func(error)) func() { return a.failures.Subscribe(fn) }

// mockLink lets tests publish link transitions.
type mockLink struct {
	states event.Feed[mcp.LinkState]
}

func (l *mockLink) OnLinkState(fn func(mcp.LinkState)) func() { return l.states.Subscribe(fn) }

// mockScheduler queues delayed closures until run is called.
type mockScheduler struct {
	Delays []time.Duration
	queue  []func()
}

func (s *mockScheduler) After(d time.Duration, fn func()) {
	s.Delays = append(s.Delays, d)
	s.queue = append(s.queue, fn)
}

// runPending runs only the closures queued so far.
func (s *mockScheduler) runPending() {
	queued := s.queue
	s.queue = nil
	for _, fn := range queued {
		fn()
	}
}

func (s *mockScheduler) run() {
	for len(s.queue) > 0 {
		fn := s.queue[0]
		s.queue = s.queue[1:]
		fn()
	}
}

// mockTicker counts loop ticks.
type mockTicker struct {
	mu      sync.Mutex
	service int
	tx      int
}

func (t *mockTicker) Service() {
	t.mu.Lock()
	t.service++
	t.mu.Unlock()
}

func (t *mockTicker) PumpTx() {
	t.mu.Lock()
	t.tx++
	t.mu.Unlock()
}

func (t *mockTicker) counts() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.service, t.tx
}

// mockPublisher records telemetry.
type mockPublisher struct {
	mu sync.Mutex

	// Function overrides for custom behavior
	PublishMeasurementFunc func(ctx context.Context, m domain.Measurement) error

	// Call tracking
	Measurements []domain.Measurement
	Results      []domain.CalibrationResult
}

func (p *mockPublisher) PublishMeasurement(ctx context.Context, m domain.Measurement) error {
	p.mu.Lock()
	p.Measurements = append(p.Measurements, m)
	p.mu.Unlock()
	if p.PublishMeasurementFunc != nil {
		return p.PublishMeasurementFunc(ctx, m)
	}
	return nil
}

func (p *mockPublisher) PublishCalibration(ctx context.Context, r domain.CalibrationResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Results = append(p.Results, r)
	return nil
}
