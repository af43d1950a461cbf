package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/nexus-edge/energy-monitor/internal/metrics"
	"github.com/nexus-edge/energy-monitor/pkg/event"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Port is the byte-stream transport the engine drives. Read must not block:
// it returns 0 bytes (with a nil error or io.EOF) when nothing is pending.
type Port interface {
	io.ReadWriteCloser
	Flush() error
}

// Opener opens the transport.
type Opener func() (Port, error)

// EngineConfig holds serial engine configuration.
type EngineConfig struct {
	// Name labels the link in logs and the circuit breaker.
	Name string

	// InterByteDelay is the spacing between transmitted bytes. PumpTx must be
	// called at this interval. Zero writes each frame in one call.
	InterByteDelay time.Duration

	// WatchdogTicks is the number of service ticks to wait for a terminal response.
	WatchdogTicks int

	// FailureThreshold is the number of consecutive failed attempts that takes the link down.
	FailureThreshold uint32

	// OpenTimeout is how long the link stays down before the head is retried.
	OpenTimeout time.Duration
}

// Completion reports a transaction that finished with COMPLETE.
type Completion struct {
	ID      uint64
	Command Command
	Address uint16
	Data    []byte
}

// LinkState reports serial link transitions.
type LinkState struct {
	Up  bool
	Err error
}

// EngineStats tracks engine activity.
type EngineStats struct {
	FramesSent       atomic.Uint64
	Completed        atomic.Uint64
	NAKs             atomic.Uint64
	ChecksumFailures atomic.Uint64
	Malformed        atomic.Uint64
	WatchdogTimeouts atomic.Uint64
	TransportErrors  atomic.Uint64
}

// Engine services the transaction queue over the serial port. All methods
// except HealthCheck and Stats must be called from the owning scheduler goroutine.
type Engine struct {
	config  EngineConfig
	open    Opener
	port    Port
	portUp  atomic.Bool
	logger  zerolog.Logger
	metrics *metrics.Registry

	queue    *Queue
	rx       receiver
	inFlight bool
	watchdog int
	tx       []byte
	scratch  [MaxFrameLen]byte

	breaker     *gobreaker.TwoStepCircuitBreaker
	done        func(success bool)
	linkUp      atomic.Bool
	linkPending []LinkState
	lastErr     error

	completions event.Feed[Completion]
	links       event.Feed[LinkState]
	stats       *EngineStats
}

// NewEngine creates a serial engine. The port is opened by Open.
func NewEngine(config EngineConfig, open Opener, logger zerolog.Logger, metricsReg *metrics.Registry) *Engine {
	if config.Name == "" {
		config.Name = "mcp39f511"
	}
	if config.WatchdogTicks == 0 {
		config.WatchdogTicks = 10
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 20
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = 5 * time.Second
	}

	e := &Engine{
		config:  config,
		open:    open,
		logger:  logger.With().Str("component", "serial-engine").Str("link", config.Name).Logger(),
		metrics: metricsReg,
		queue:   NewQueue(),
		stats:   &EngineStats{},
	}
	e.breaker = e.createCircuitBreaker()
	e.linkUp.Store(true)
	if metricsReg != nil {
		metricsReg.UpdateLinkState(true)
	}
	return e
}

func (e *Engine) createCircuitBreaker() *gobreaker.TwoStepCircuitBreaker {
	threshold := e.config.FailureThreshold
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        e.config.Name,
		MaxRequests: 1,
		Timeout:     e.config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			e.logger.Info().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Serial link circuit breaker state changed")
			// The breaker holds its lock here; subscribers are notified after it returns.
			switch to {
			case gobreaker.StateOpen:
				e.linkPending = append(e.linkPending, LinkState{Up: false, Err: e.lastErr})
			case gobreaker.StateClosed:
				e.linkPending = append(e.linkPending, LinkState{Up: true})
			}
		},
	})
}

// Open opens the transport.
func (e *Engine) Open() error {
	port, err := e.open()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPortOpenFailed, err)
	}
	e.port = port
	e.portUp.Store(true)
	e.resetTransfer()
	e.logger.Info().Msg("Serial port opened")
	return nil
}

// Close closes the transport. Pending transactions stay queued.
func (e *Engine) Close() error {
	if e.port == nil {
		return nil
	}
	if e.inFlight && e.done != nil {
		e.done(false)
		e.done = nil
	}
	e.resetTransfer()
	err := e.port.Close()
	e.port = nil
	e.portUp.Store(false)
	e.flushLinkEvents()
	e.logger.Info().Msg("Serial port closed")
	return err
}

// Reopen closes and reopens the transport; the in-flight transaction is resent.
func (e *Engine) Reopen() error {
	if err := e.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Error closing serial port")
	}
	if e.metrics != nil {
		e.metrics.PortReopens.Inc()
	}
	return e.Open()
}

// Enqueue appends a transaction and returns its id.
func (e *Engine) Enqueue(cmd Command, addr uint16, payload []byte, readLen int) (uint64, error) {
	id, err := e.queue.Enqueue(Transaction{
		Command:    cmd,
		Address:    addr,
		Payload:    payload,
		ReadLength: readLen,
	})
	if err != nil {
		return 0, err
	}
	e.logger.Trace().
		Uint64("id", id).
		Str("command", cmd.String()).
		Uint16("address", addr).
		Int("queued", e.queue.Len()).
		Msg("Transaction enqueued")
	if e.metrics != nil {
		e.metrics.UpdateQueueDepth(e.queue.Len())
	}
	return id, nil
}

// OnComplete subscribes to transaction completions.
func (e *Engine) OnComplete(fn func(Completion)) (unsubscribe func()) {
	return e.completions.Subscribe(fn)
}

// OnLinkState subscribes to link up/down transitions.
func (e *Engine) OnLinkState(fn func(LinkState)) (unsubscribe func()) {
	return e.links.Subscribe(fn)
}

// Service runs one tick of the engine: it polls the receiver while a
// transaction is in flight and starts the next one when idle.
func (e *Engine) Service() {
	defer e.flushLinkEvents()

	if e.port == nil {
		return
	}

	if e.inFlight {
		e.watchdog++

		status := StatusBusy
		if len(e.tx) == 0 {
			status = e.poll()
		}

		switch status {
		case StatusComplete:
			e.complete()
		case StatusFail, StatusChecksumFail:
			e.abandon(status, e.rx.err)
		default:
			if e.watchdog > e.config.WatchdogTicks {
				e.abandon(StatusFail, domain.ErrWatchdogTimeout)
			}
		}
	}

	if !e.inFlight && e.queue.Len() > 0 {
		e.begin()
	}
}

// PumpTx writes the next pending byte of the current frame.
func (e *Engine) PumpTx() {
	if len(e.tx) == 0 || e.port == nil {
		return
	}
	if _, err := e.port.Write(e.tx[:1]); err != nil {
		e.stats.TransportErrors.Add(1)
		e.abandon(StatusFail, fmt.Errorf("serial write: %w", err))
		e.flushLinkEvents()
		return
	}
	e.tx = e.tx[1:]
}

func (e *Engine) begin() {
	head := e.queue.Head()

	done, err := e.breaker.Allow()
	if err != nil {
		// Link is down; the head waits for the breaker to half-open.
		return
	}
	e.done = done

	if err := e.port.Flush(); err != nil {
		e.logger.Debug().Err(err).Msg("Failed to flush serial receive buffer")
	}

	frame, err := EncodeFrame(head.frame())
	if err != nil {
		// Enqueue validation makes this unreachable.
		e.done(false)
		e.logger.Error().Err(err).Uint64("id", head.ID).Msg("Unencodable transaction")
		return
	}

	e.watchdog = 0
	e.rx.reset(head.Command.ExpectsData(), head.ReadLength)
	head.Attempts++
	if head.FirstSent.IsZero() {
		head.FirstSent = time.Now()
	}
	e.inFlight = true
	e.stats.FramesSent.Add(1)

	if e.config.InterByteDelay <= 0 {
		if _, err := e.port.Write(frame); err != nil {
			e.stats.TransportErrors.Add(1)
			e.abandon(StatusFail, fmt.Errorf("serial write: %w", err))
		}
		return
	}
	e.tx = frame
}

func (e *Engine) poll() Status {
	for i := 0; i < 4; i++ {
		n, err := e.port.Read(e.scratch[:])
		for _, b := range e.scratch[:n] {
			if status := e.rx.feed(b); status != StatusBusy {
				return status
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			e.stats.TransportErrors.Add(1)
			e.rx.err = fmt.Errorf("serial read: %w", err)
			return StatusFail
		}
		if n == 0 {
			break
		}
	}
	return StatusBusy
}

func (e *Engine) complete() {
	t := e.queue.Pop()
	data := e.rx.data()
	e.inFlight = false
	e.done(true)
	e.done = nil
	e.lastErr = nil
	e.stats.Completed.Add(1)

	if e.metrics != nil {
		e.metrics.RecordTransaction(t.Command.String(), "complete")
		e.metrics.RecordTransactionLatency(time.Since(t.FirstSent).Seconds())
		e.metrics.UpdateQueueDepth(e.queue.Len())
	}

	e.logger.Trace().
		Uint64("id", t.ID).
		Str("command", t.Command.String()).
		Int("attempts", t.Attempts).
		Int("bytes", len(data)).
		Msg("Transaction complete")

	e.completions.Publish(Completion{
		ID:      t.ID,
		Command: t.Command,
		Address: t.Address,
		Data:    data,
	})
}

// abandon drops the in-flight attempt. The head stays queued and is resent.
func (e *Engine) abandon(status Status, err error) {
	head := e.queue.Head()
	e.resetTransfer()
	e.inFlight = false
	e.lastErr = err

	result := "fail"
	switch {
	case errors.Is(err, domain.ErrWatchdogTimeout):
		result = "timeout"
		e.stats.WatchdogTimeouts.Add(1)
		if e.metrics != nil {
			e.metrics.RecordWatchdogTimeout()
		}
	case errors.Is(err, domain.ErrDeviceNAK):
		result = "nak"
		e.stats.NAKs.Add(1)
	case status == StatusChecksumFail:
		result = "checksum"
		e.stats.ChecksumFailures.Add(1)
	case errors.Is(err, domain.ErrMalformedResponse):
		result = "malformed"
		e.stats.Malformed.Add(1)
	}

	if e.done != nil {
		e.done(false)
		e.done = nil
	}

	if head != nil {
		if e.metrics != nil {
			e.metrics.RecordTransaction(head.Command.String(), result)
		}
		e.logger.Warn().
			Err(err).
			Uint64("id", head.ID).
			Str("command", head.Command.String()).
			Int("attempt", head.Attempts).
			Msg("Transaction attempt failed, retrying")
	}
}

func (e *Engine) resetTransfer() {
	e.tx = nil
	e.watchdog = 0
	e.inFlight = false
	e.rx.reset(false, 0)
}

func (e *Engine) flushLinkEvents() {
	if len(e.linkPending) == 0 {
		return
	}
	pending := e.linkPending
	e.linkPending = nil
	for _, ls := range pending {
		e.linkUp.Store(ls.Up)
		if e.metrics != nil {
			e.metrics.UpdateLinkState(ls.Up)
		}
		if ls.Up {
			e.logger.Info().Msg("Serial link restored")
		} else {
			e.logger.Error().Err(ls.Err).Int("queued", e.queue.Len()).Msg("Serial link down")
		}
		e.links.Publish(ls)
	}
}

// InFlight reports whether a transaction is awaiting its response.
func (e *Engine) InFlight() bool {
	return e.inFlight
}

// QueueLen returns the number of pending transactions.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// PendingIDs returns the queued transaction ids in order.
func (e *Engine) PendingIDs() []uint64 {
	return e.queue.IDs()
}

// LinkUp reports whether the circuit breaker is closed.
func (e *Engine) LinkUp() bool {
	return e.linkUp.Load()
}

// Stats returns engine statistics.
func (e *Engine) Stats() *EngineStats {
	return e.stats
}

// HealthCheck implements the health.Checker interface.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if !e.portUp.Load() {
		return domain.ErrPortNotOpen
	}
	if !e.linkUp.Load() {
		return domain.ErrLinkDown
	}
	return nil
}
