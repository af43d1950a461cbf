package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/nexus-edge/energy-monitor/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher defines the methods needed for publishing telemetry.
type Publisher interface {
	PublishMeasurement(ctx context.Context, m domain.Measurement) error
	PublishCalibration(ctx context.Context, r domain.CalibrationResult) error
}

// MonitorMeter is the register interface as used by the monitor.
type MonitorMeter interface {
	OnInitialised(fn func()) func()
	OnMeasurement(fn func(domain.Measurement)) func()
	RequestOutput() (uint64, error)
}

// MonitorConfig holds configuration for the monitor.
type MonitorConfig struct {
	// Interval is the wait between a measurement and the next Output read.
	Interval time.Duration
	// StallTimeout re-requests the Output bank when no measurement arrived.
	StallTimeout time.Duration
	// PublishTimeout bounds a single telemetry publish.
	PublishTimeout time.Duration
	// QueueSize bounds telemetry waiting to be published.
	QueueSize int
}

// MonitorStats tracks monitor statistics.
type MonitorStats struct {
	Requests      atomic.Uint64
	Measurements  atomic.Uint64
	References    atomic.Uint64
	Published     atomic.Uint64
	PublishFailed atomic.Uint64
	Skipped       atomic.Uint64 // Telemetry dropped due to back-pressure
}

// MonitorStatsSnapshot is a point-in-time copy of MonitorStats.
type MonitorStatsSnapshot struct {
	Requests      uint64
	Measurements  uint64
	References    uint64
	Published     uint64
	PublishFailed uint64
	Skipped       uint64
}

// Monitor polls the Output bank once the meter is initialised and fans
// measurements out to metrics and the publisher. Its meter-facing methods
// run on the loop goroutine; publishing happens on a worker goroutine.
type Monitor struct {
	config    MonitorConfig
	meter     MonitorMeter
	sched     Scheduler
	publisher Publisher
	logger    zerolog.Logger
	metrics   *metrics.Registry
	stats     *MonitorStats

	polling   bool
	scheduled bool
	gen       uint64
	last      domain.Measurement

	outbox  chan func(ctx context.Context)
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()
}

// NewMonitor creates a monitor and subscribes it to the meter. publisher may
// be nil when MQTT is disabled.
func NewMonitor(
	config MonitorConfig,
	m MonitorMeter,
	sched Scheduler,
	publisher Publisher,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Monitor {
	// Apply defaults
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.StallTimeout <= 0 {
		config.StallTimeout = 5 * config.Interval
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}

	mon := &Monitor{
		config:    config,
		meter:     m,
		sched:     sched,
		publisher: publisher,
		logger:    logger.With().Str("component", "monitor").Logger(),
		metrics:   metricsReg,
		stats:     &MonitorStats{},
		outbox:    make(chan func(ctx context.Context), config.QueueSize),
	}
	mon.unsubs = append(mon.unsubs,
		m.OnInitialised(mon.handleInitialised),
		m.OnMeasurement(mon.handleMeasurement),
	)
	return mon
}

// Start runs the publish worker.
func (s *Monitor) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return nil
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info().
		Dur("interval", s.config.Interval).
		Bool("publish", s.publisher != nil).
		Msg("Starting monitor")

	s.wg.Add(1)
	go s.publishWorker(ctx)
	return nil
}

// Stop stops the publish worker and waits for it to exit.
func (s *Monitor) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Monitor stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for monitor to stop")
	}
	s.started.Store(false)
	return nil
}

// Close unsubscribes the monitor from the meter.
func (s *Monitor) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

func (s *Monitor) publishWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.outbox:
			job(ctx)
		}
	}
}

// enqueue hands a publish job to the worker, dropping it when the worker is behind.
func (s *Monitor) enqueue(job func(ctx context.Context)) {
	if s.publisher == nil {
		return
	}
	select {
	case s.outbox <- job:
	default:
		s.stats.Skipped.Add(1)
		s.logger.Warn().Msg("Telemetry queue full, dropping message")
	}
}

func (s *Monitor) handleInitialised() {
	if s.polling {
		return
	}
	s.polling = true
	s.logger.Info().Msg("Meter initialised, starting measurements")
	s.request()
}

// request reads the Output bank and arms the stall timer for that read.
func (s *Monitor) request() {
	s.gen++
	gen := s.gen
	s.stats.Requests.Add(1)
	if _, err := s.meter.RequestOutput(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to request measurement")
	}
	s.sched.After(s.config.StallTimeout, func() {
		if gen != s.gen {
			return
		}
		s.logger.Warn().Dur("timeout", s.config.StallTimeout).Msg("No measurement received, requesting again")
		s.request()
	})
}

func (s *Monitor) handleMeasurement(m domain.Measurement) {
	s.stats.Measurements.Add(1)
	s.last = m
	s.record(m)

	if !s.polling || s.scheduled {
		return
	}
	s.gen++
	s.scheduled = true
	s.sched.After(s.config.Interval, func() {
		s.scheduled = false
		s.request()
	})
}

// HandleReference records a reference analyzer measurement.
func (s *Monitor) HandleReference(m domain.Measurement) {
	s.stats.References.Add(1)
	s.record(m)
}

func (s *Monitor) record(m domain.Measurement) {
	s.logger.Debug().
		Str("source", string(m.Source)).
		Float64("volts", m.VoltageRMS).
		Float64("amps", m.CurrentRMS).
		Float64("watts", m.ActivePower).
		Float64("hz", m.Frequency).
		Float64("pf", m.PowerFactor).
		Float64("var", m.ReactivePower).
		Float64("va", m.ApparentPower).
		Msg("Measurement")

	if s.metrics != nil {
		s.metrics.RecordMeasurement(string(m.Source), m.VoltageRMS, m.CurrentRMS, m.ActivePower,
			m.Frequency, m.PowerFactor, m.ReactivePower, m.ApparentPower)
	}

	s.enqueue(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.config.PublishTimeout)
		defer cancel()
		if err := s.publisher.PublishMeasurement(ctx, m); err != nil {
			s.stats.PublishFailed.Add(1)
			s.logger.Debug().Err(err).Msg("Failed to publish measurement")
			return
		}
		s.stats.Published.Add(1)
	})
}

// HandleCalibrationResult publishes a calibration outcome.
func (s *Monitor) HandleCalibrationResult(r domain.CalibrationResult) {
	s.enqueue(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.config.PublishTimeout)
		defer cancel()
		if err := s.publisher.PublishCalibration(ctx, r); err != nil {
			s.stats.PublishFailed.Add(1)
			s.logger.Warn().Err(err).Str("run_id", r.RunID).Msg("Failed to publish calibration result")
			return
		}
		s.stats.Published.Add(1)
	})
}

// Last returns the most recent meter measurement. Loop goroutine only.
func (s *Monitor) Last() domain.Measurement {
	return s.last
}

// Stats returns a snapshot of the monitor statistics.
func (s *Monitor) Stats() MonitorStatsSnapshot {
	return MonitorStatsSnapshot{
		Requests:      s.stats.Requests.Load(),
		Measurements:  s.stats.Measurements.Load(),
		References:    s.stats.References.Load(),
		Published:     s.stats.Published.Load(),
		PublishFailed: s.stats.PublishFailed.Load(),
		Skipped:       s.stats.Skipped.Load(),
	}
}
