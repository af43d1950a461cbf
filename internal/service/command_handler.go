package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/nexus-edge/energy-monitor/internal/metrics"
	"github.com/rs/zerolog"
)

// Command names accepted on <prefix>/cmd/<name>.
const (
	CommandCalibrate    = "calibrate"
	CommandCancel       = "cancel"
	CommandConfirm      = "confirm"
	CommandFactoryReset = "factory-reset"
	CommandBeep         = "beep"
)

// MQTTClient is the subset of mqtt.Client the handler uses.
type MQTTClient interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Executor runs a closure on the loop goroutine and waits for it.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

// CalibrationControl is the calibrator as driven by remote commands.
type CalibrationControl interface {
	Start(host string, reactive bool) (string, error)
	Cancel() bool
	Confirm(input string) bool
}

// DeviceControl is the register interface as driven by remote commands.
type DeviceControl interface {
	FactoryReset() (uint64, error)
	Beep(on bool) (uint64, error)
}

// CommandHandler handles commands received via MQTT.
// Commands are queued from the MQTT callback and executed one at a time on
// the loop goroutine.
type CommandHandler struct {
	mqttClient   MQTTClient
	exec         Executor
	calibration  CalibrationControl
	device       DeviceControl
	logger       zerolog.Logger
	metrics      *metrics.Registry
	config       CommandConfig
	stats        *CommandStats
	running      atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	commandQueue chan Command // Bounded queue for back-pressure
}

// CommandConfig holds configuration for the command handler.
type CommandConfig struct {
	// TopicPrefix is the MQTT topic prefix; commands arrive on <prefix>/cmd/+
	// Default: "energy-monitor"
	TopicPrefix string

	// Timeout bounds the execution of a single command
	Timeout time.Duration

	// QoS is the MQTT QoS level for command messages
	QoS byte

	// EnableAcknowledgement determines if responses should be published
	EnableAcknowledgement bool

	// CommandQueueSize is the max number of commands to queue before applying back-pressure
	CommandQueueSize int

	// DefaultAnalyzer is used by calibrate when the payload names no analyzer
	DefaultAnalyzer string
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		TopicPrefix:           "energy-monitor",
		Timeout:               10 * time.Second,
		QoS:                   1,
		EnableAcknowledgement: true,
		CommandQueueSize:      32,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	CommandsReceived  atomic.Uint64
	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandsRejected  atomic.Uint64
}

// Command represents a command received via MQTT.
type Command struct {
	// RequestID is a unique identifier for the command (for correlation)
	RequestID string `json:"request_id,omitempty"`

	// Name is taken from the last topic segment
	Name string `json:"-"`

	// Analyzer is the reference analyzer address for calibrate
	Analyzer string `json:"analyzer,omitempty"`

	// Reactive enables the power factor 0.5 stage for calibrate
	Reactive bool `json:"reactive,omitempty"`

	// On switches the buzzer for beep
	On bool `json:"on,omitempty"`

	// Input is the operator confirmation for confirm
	Input string `json:"input,omitempty"`

	// Timestamp is when the command was received
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// CommandResponse represents the response to a command.
type CommandResponse struct {
	RequestID     string        `json:"request_id,omitempty"`
	Command       string        `json:"command"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	RunID         string        `json:"run_id,omitempty"`
	TransactionID uint64        `json:"transaction_id,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Duration      time.Duration `json:"duration_ms"`
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(
	mqttClient MQTTClient,
	exec Executor,
	calibration CalibrationControl,
	device DeviceControl,
	config CommandConfig,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *CommandHandler {
	ctx, cancel := context.WithCancel(context.Background())

	// Apply defaults
	if config.TopicPrefix == "" {
		config.TopicPrefix = "energy-monitor"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.CommandQueueSize <= 0 {
		config.CommandQueueSize = 32
	}

	return &CommandHandler{
		mqttClient:   mqttClient,
		exec:         exec,
		calibration:  calibration,
		device:       device,
		logger:       logger.With().Str("component", "command-handler").Logger(),
		metrics:      metricsReg,
		config:       config,
		stats:        &CommandStats{},
		ctx:          ctx,
		cancel:       cancel,
		commandQueue: make(chan Command, config.CommandQueueSize),
	}
}

// CommandTopic returns the subscription pattern.
func (h *CommandHandler) CommandTopic() string {
	return fmt.Sprintf("%s/cmd/+", h.config.TopicPrefix)
}

// ResponseTopic returns the topic responses are published on.
func (h *CommandHandler) ResponseTopic() string {
	return fmt.Sprintf("%s/cmd/response", h.config.TopicPrefix)
}

// Start starts the command handler and subscribes to the command topic.
func (h *CommandHandler) Start() error {
	if h.running.Load() {
		return nil
	}

	h.logger.Info().
		Str("topic", h.CommandTopic()).
		Msg("Starting command handler")

	h.wg.Add(1)
	go h.processCommandQueue()

	token := h.mqttClient.Subscribe(h.CommandTopic(), h.config.QoS, h.handleMessage)
	if token.Wait() && token.Error() != nil {
		h.cancel()
		h.wg.Wait()
		return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
	}

	h.running.Store(true)
	return nil
}

// Stop stops the command handler and unsubscribes.
func (h *CommandHandler) Stop() error {
	if !h.running.Load() {
		return nil
	}

	h.cancel()
	h.mqttClient.Unsubscribe(h.CommandTopic())
	h.wg.Wait()
	h.running.Store(false)

	h.logger.Info().Msg("Command handler stopped")
	return nil
}

func (h *CommandHandler) processCommandQueue() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case cmd := <-h.commandQueue:
			h.processCommand(cmd)
		}
	}
}

// handleMessage parses a command.
// Topic: <prefix>/cmd/{command}
// Payload: JSON object, may be empty
func (h *CommandHandler) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	name := parts[len(parts)-1]
	if name == "response" {
		return
	}
	h.stats.CommandsReceived.Add(1)

	var cmd Command
	if payload := msg.Payload(); len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			h.logger.Warn().
				Err(err).
				Str("topic", msg.Topic()).
				Msg("Failed to parse command")
			h.stats.CommandsRejected.Add(1)
			h.sendResponse(CommandResponse{Command: name, Error: "invalid payload: " + err.Error()})
			return
		}
	}
	cmd.Name = name
	cmd.Timestamp = time.Now()

	select {
	case h.commandQueue <- cmd:
	default:
		h.logger.Warn().Str("command", name).Msg("Command rejected: queue full (back-pressure)")
		h.stats.CommandsRejected.Add(1)
		h.sendResponse(CommandResponse{RequestID: cmd.RequestID, Command: name, Error: "command queue full, try again later"})
	}
}

// commandResult is what a command produced on the loop goroutine.
type commandResult struct {
	runID string
	txID  uint64
	err   error
}

func (h *CommandHandler) processCommand(cmd Command) {
	start := time.Now()
	resp := CommandResponse{RequestID: cmd.RequestID, Command: cmd.Name}

	var run func() commandResult
	switch cmd.Name {
	case CommandCalibrate:
		host := cmd.Analyzer
		if host == "" {
			host = h.config.DefaultAnalyzer
		}
		reactive := cmd.Reactive
		run = func() commandResult {
			id, err := h.calibration.Start(host, reactive)
			return commandResult{runID: id, err: err}
		}
	case CommandCancel:
		run = func() commandResult {
			if !h.calibration.Cancel() {
				return commandResult{err: fmt.Errorf("no calibration in progress")}
			}
			return commandResult{}
		}
	case CommandConfirm:
		input := cmd.Input
		run = func() commandResult {
			if !h.calibration.Confirm(input) {
				return commandResult{err: fmt.Errorf("confirmation not expected")}
			}
			return commandResult{}
		}
	case CommandFactoryReset:
		run = func() commandResult {
			id, err := h.device.FactoryReset()
			return commandResult{txID: id, err: err}
		}
	case CommandBeep:
		on := cmd.On
		run = func() commandResult {
			id, err := h.device.Beep(on)
			return commandResult{txID: id, err: err}
		}
	default:
		h.stats.CommandsRejected.Add(1)
		h.recordCommand(cmd.Name, "rejected")
		resp.Error = fmt.Sprintf("%v: %s", domain.ErrUnknownCommand, cmd.Name)
		resp.Duration = time.Since(start)
		h.sendResponse(resp)
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.config.Timeout)
	defer cancel()

	result := h.execute(ctx, run)
	resp.RunID = result.runID
	resp.TransactionID = result.txID
	resp.Duration = time.Since(start)

	if result.err != nil {
		h.logger.Warn().
			Err(result.err).
			Str("command", cmd.Name).
			Str("request_id", cmd.RequestID).
			Msg("Command failed")
		h.stats.CommandsFailed.Add(1)
		h.recordCommand(cmd.Name, "failed")
		resp.Error = result.err.Error()
		h.sendResponse(resp)
		return
	}

	h.logger.Info().
		Str("command", cmd.Name).
		Str("request_id", cmd.RequestID).
		Dur("duration", resp.Duration).
		Msg("Command executed")
	h.stats.CommandsSucceeded.Add(1)
	h.recordCommand(cmd.Name, "success")
	resp.Success = true
	h.sendResponse(resp)
}

// execute runs fn on the loop goroutine. A command still waiting in the loop
// when ctx ends is abandoned and never runs; one already running is waited for.
func (h *CommandHandler) execute(ctx context.Context, fn func() commandResult) commandResult {
	var claimed atomic.Bool
	results := make(chan commandResult, 1)

	err := h.exec.Do(ctx, func() {
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		results <- fn()
	})
	if err == nil {
		return <-results
	}
	if claimed.CompareAndSwap(false, true) {
		return commandResult{err: err}
	}
	return <-results
}

func (h *CommandHandler) recordCommand(name, status string) {
	if h.metrics != nil {
		h.metrics.RecordMQTTCommand(name, status)
	}
}

// sendResponse publishes a response to <prefix>/cmd/response.
func (h *CommandHandler) sendResponse(resp CommandResponse) {
	if !h.config.EnableAcknowledgement {
		return
	}
	resp.Timestamp = time.Now()
	resp.Duration = resp.Duration / time.Millisecond

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal response")
		return
	}

	token := h.mqttClient.Publish(h.ResponseTopic(), h.config.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		h.logger.Error().Err(token.Error()).Msg("Failed to publish response")
	}
}

// Stats returns a snapshot of command handling statistics.
func (h *CommandHandler) Stats() map[string]uint64 {
	return map[string]uint64{
		"commands_received":  h.stats.CommandsReceived.Load(),
		"commands_succeeded": h.stats.CommandsSucceeded.Load(),
		"commands_failed":    h.stats.CommandsFailed.Load(),
		"commands_rejected":  h.stats.CommandsRejected.Load(),
	}
}
