// Package pa1000 implements a client for the Tektronix PA1000 power analyzer's
// line-oriented TCP query interface.
package pa1000

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/nexus-edge/energy-monitor/internal/metrics"
	"github.com/nexus-edge/energy-monitor/pkg/event"
	"github.com/rs/zerolog"
)

// DefaultPort is the analyzer's query port.
const DefaultPort = 5025

// initCommands configure the internal 1 A shunt and select the seven
// measurements returned by measureCommand, in order.
var initCommands = []string{
	":SHU:INT1A;",
	":SEL:CLR;",
	":SEL:VLT;",
	":SEL:AMP;",
	":SEL:WAT;",
	":SEL:FRQ;",
	":SEL:PWF;",
	":SEL:VAR;",
	":SEL:VAS;",
}

const (
	measureCommand = ":FRD?;"
	fieldCount     = 7
	lineEnding     = "\r\n"
	maxLineLength  = 4096
)

// Loop runs closures on the goroutine that owns the client.
type Loop interface {
	Post(fn func())
	After(d time.Duration, fn func())
}

// Config holds analyzer client configuration.
type Config struct {
	Port         int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// SettleDelay is the wait after initialisation for the analyzer to take a first reading.
	SettleDelay time.Duration
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		Port:         DefaultPort,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Second,
		SettleDelay:  time.Second,
	}
}

// State is the client's connection state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateInitialising
	StateSettling
	StateReady
	StateMeasuring
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateInitialising:
		return "initialising"
	case StateSettling:
		return "settling"
	case StateReady:
		return "ready"
	case StateMeasuring:
		return "measuring"
	default:
		return "unknown"
	}
}

// Client talks to one analyzer at a time. Its methods must be called from
// the loop goroutine; socket reads and writes run on helper goroutines that
// post back.
type Client struct {
	config  Config
	loop    Loop
	logger  zerolog.Logger
	metrics *metrics.Registry
	dial    func(ctx context.Context, network, address string) (net.Conn, error)

	addr       string
	conn       net.Conn
	writes     chan string
	gen        uint64
	initIndex  int
	cancelDial context.CancelFunc
	state      atomic.Int32

	ready        event.Feed[struct{}]
	measurements event.Feed[domain.Measurement]
	failures     event.Feed[error]
}

// NewClient creates an analyzer client.
func NewClient(config Config, loop Loop, logger zerolog.Logger, metricsReg *metrics.Registry) *Client {
	def := DefaultConfig()
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = def.DialTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.SettleDelay == 0 {
		config.SettleDelay = def.SettleDelay
	}

	dialer := &net.Dialer{Timeout: config.DialTimeout}
	return &Client{
		config:  config,
		loop:    loop,
		logger:  logger.With().Str("component", "pa1000").Logger(),
		metrics: metricsReg,
		dial:    dialer.DialContext,
	}
}

// OnReady subscribes to initialisation completion.
func (c *Client) OnReady(fn func()) func() {
	return c.ready.Subscribe(func(struct{}) { fn() })
}

// OnMeasurement subscribes to reference measurements.
func (c *Client) OnMeasurement(fn func(domain.Measurement)) func() {
	return c.measurements.Subscribe(fn)
}

// OnFailure subscribes to connection and protocol failures.
func (c *Client) OnFailure(fn func(error)) func() {
	return c.failures.Subscribe(fn)
}

// State returns the connection state. Safe for concurrent use.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Connect dials the analyzer at host (an address, optionally with a port)
// and runs the initialisation sequence. Ready fires when it completes.
func (c *Client) Connect(host string) error {
	if c.State() != StateIdle {
		return domain.ErrAnalyzerBusy
	}
	addr, err := c.resolve(host)
	if err != nil {
		return err
	}

	c.gen++
	gen := c.gen
	c.addr = addr
	c.initIndex = 0
	c.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	c.cancelDial = cancel

	c.logger.Info().Str("address", addr).Msg("Connecting to analyzer")
	go func() {
		defer cancel()
		conn, err := c.dial(ctx, "tcp", addr)
		c.loop.Post(func() { c.onDialed(gen, conn, err) })
	}()
	return nil
}

func (c *Client) resolve(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("%w: empty address", domain.ErrAnalyzerAddress)
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		if _, err := strconv.Atoi(p); err != nil || h == "" {
			return "", fmt.Errorf("%w: %s", domain.ErrAnalyzerAddress, host)
		}
		return host, nil
	}
	return net.JoinHostPort(host, strconv.Itoa(c.config.Port)), nil
}

func (c *Client) onDialed(gen uint64, conn net.Conn, err error) {
	if gen != c.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.setState(StateIdle)
		c.fail("connect", fmt.Errorf("%w: %s: %v", domain.ErrAnalyzerConnect, c.addr, err))
		return
	}

	c.conn = conn
	c.writes = make(chan string, 4)
	c.setState(StateInitialising)
	c.logger.Info().Str("address", c.addr).Msg("Connected to analyzer")

	go c.readLines(gen, conn)
	go c.writeLines(gen, conn, c.writes)
	c.send(initCommands[0])
}

// writeLines writes queued commands until the queue is closed or a write fails.
func (c *Client) writeLines(gen uint64, conn net.Conn, writes <-chan string) {
	for cmd := range writes {
		if c.config.WriteTimeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
				c.loop.Post(func() { c.onWriteFailed(gen, fmt.Errorf("set write deadline: %w", err)) })
				return
			}
		}
		if _, err := conn.Write([]byte(cmd + lineEnding)); err != nil {
			c.loop.Post(func() { c.onWriteFailed(gen, err) })
			return
		}
	}
}

func (c *Client) onWriteFailed(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.teardown()
	c.fail("write", fmt.Errorf("%w: write: %v", domain.ErrAnalyzerClosed, err))
}

// readLines posts every received line, then the reason the stream ended.
func (c *Client) readLines(gen uint64, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 256), maxLineLength)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		c.loop.Post(func() { c.handleLine(gen, line) })
	}
	err := scanner.Err()
	c.loop.Post(func() { c.onClosed(gen, err) })
}

func (c *Client) handleLine(gen uint64, line string) {
	if gen != c.gen {
		return
	}
	c.logger.Debug().Str("line", line).Str("state", c.State().String()).Msg("From analyzer")

	switch c.State() {
	case StateInitialising:
		c.initIndex++
		if c.initIndex < len(initCommands) {
			c.send(initCommands[c.initIndex])
			return
		}
		c.setState(StateSettling)
		c.loop.After(c.config.SettleDelay, func() {
			if gen != c.gen || c.State() != StateSettling {
				return
			}
			c.setState(StateReady)
			c.logger.Info().Msg("Analyzer initialised")
			c.ready.Publish(struct{}{})
		})

	case StateMeasuring:
		m, err := ParseMeasurement(line)
		if err != nil {
			c.teardown()
			c.fail("protocol", err)
			return
		}
		m.Timestamp = time.Now()
		c.setState(StateReady)
		c.measurements.Publish(m)

	default:
		c.logger.Warn().Str("line", line).Msg("Unexpected line from analyzer")
	}
}

func (c *Client) onClosed(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.teardown()
	if err == nil {
		err = errors.New("connection closed by peer")
	}
	c.fail("closed", fmt.Errorf("%w: %v", domain.ErrAnalyzerClosed, err))
}

// RequestMeasurement queries one set of readings. The reply arrives as a
// Measurement event, or as a Failure if it is malformed.
func (c *Client) RequestMeasurement() error {
	if c.State() != StateReady {
		return fmt.Errorf("%w: %s", domain.ErrAnalyzerNotReady, c.State())
	}
	c.setState(StateMeasuring)
	c.send(measureCommand)
	return nil
}

// send queues cmd for the writer. Only one command is outstanding at a time,
// so a full queue means the writer is stuck.
func (c *Client) send(cmd string) {
	c.logger.Debug().Str("command", cmd).Msg("To analyzer")
	select {
	case c.writes <- cmd:
	default:
		c.teardown()
		c.fail("write", fmt.Errorf("%w: write queue full", domain.ErrAnalyzerClosed))
	}
}

// Disconnect closes the connection. It never emits a Failure.
func (c *Client) Disconnect() {
	if c.State() == StateIdle && c.conn == nil {
		return
	}
	c.logger.Info().Msg("Disconnecting from analyzer")
	c.teardown()
}

// teardown invalidates the current connection so late lines and dial
// results are discarded.
func (c *Client) teardown() {
	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.writes != nil {
		close(c.writes)
		c.writes = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.setState(StateIdle)
}

func (c *Client) fail(kind string, err error) {
	c.logger.Error().Err(err).Str("kind", kind).Msg("Analyzer failure")
	if c.metrics != nil {
		c.metrics.RecordAnalyzerError(kind)
	}
	c.failures.Publish(err)
}

// ParseMeasurement parses a `:FRD?` reply: seven comma-separated numbers in
// the order volts, amps, watts, hertz, power factor, var, VA.
func ParseMeasurement(line string) (domain.Measurement, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != fieldCount {
		return domain.Measurement{}, fmt.Errorf("%w: expected %d fields, got %d", domain.ErrAnalyzerProtocol, fieldCount, len(fields))
	}

	var v [fieldCount]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
			return domain.Measurement{}, fmt.Errorf("%w: field %d %q", domain.ErrAnalyzerProtocol, i+1, f)
		}
		v[i] = x
	}

	return domain.Measurement{
		Source:        domain.SourceReference,
		VoltageRMS:    v[0],
		CurrentRMS:    v[1],
		ActivePower:   v[2],
		Frequency:     v[3],
		PowerFactor:   v[4],
		ReactivePower: v[5],
		ApparentPower: v[6],
	}, nil
}
