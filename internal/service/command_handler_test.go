package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/rs/zerolog"
)

// =============================================================================
// MQTT fakes
// =============================================================================

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeMQTTClient struct {
	mu           sync.Mutex
	SubscribeErr error
	handlers     map[string]mqtt.MessageHandler
	Unsubscribed []string
	Published    map[string][][]byte
}

func newFakeMQTTClient() *fakeMQTTClient {
	return &fakeMQTTClient{
		handlers:  make(map[string]mqtt.MessageHandler),
		Published: make(map[string][][]byte),
	}
}

func (c *fakeMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeErr != nil {
		return &fakeToken{err: c.SubscribeErr}
	}
	c.handlers[topic] = callback
	return &fakeToken{}
}

func (c *fakeMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Unsubscribed = append(c.Unsubscribed, topics...)
	return &fakeToken{}
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Published[topic] = append(c.Published[topic], payload.([]byte))
	return &fakeToken{}
}

// deliver invokes the handler subscribed to pattern with a message on topic.
func (c *fakeMQTTClient) deliver(pattern, topic, payload string) {
	c.mu.Lock()
	handler := c.handlers[pattern]
	c.mu.Unlock()
	handler(nil, &fakeMessage{topic: topic, payload: []byte(payload)})
}

func (c *fakeMQTTClient) responses(t *testing.T, topic string) []CommandResponse {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []CommandResponse
	for _, raw := range c.Published[topic] {
		var resp CommandResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		out = append(out, resp)
	}
	return out
}

// =============================================================================
// Control fakes
// =============================================================================

// syncExecutor runs closures inline.
type syncExecutor struct {
	mu  sync.Mutex
	Err error
}

func (e *syncExecutor) Do(ctx context.Context, fn func()) error {
	if e.Err != nil {
		return e.Err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
	return nil
}

// lateExecutor queues closures and reports a timeout; tests run them later.
type lateExecutor struct {
	mu      sync.Mutex
	pending []func()
}

func (e *lateExecutor) Do(ctx context.Context, fn func()) error {
	e.mu.Lock()
	e.pending = append(e.pending, fn)
	e.mu.Unlock()
	return context.DeadlineExceeded
}

func (e *lateExecutor) runPending() int {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
	return len(pending)
}

type fakeCalibration struct {
	StartErr  error
	Starts    []string
	Reactive  []bool
	Cancelled bool
	Running   bool
	Inputs    []string
}

func (c *fakeCalibration) Start(host string, reactive bool) (string, error) {
	if c.StartErr != nil {
		return "", c.StartErr
	}
	c.Starts = append(c.Starts, host)
	c.Reactive = append(c.Reactive, reactive)
	c.Running = true
	return "run-42", nil
}

func (c *fakeCalibration) Cancel() bool {
	if !c.Running {
		return false
	}
	c.Running = false
	c.Cancelled = true
	return true
}

func (c *fakeCalibration) Confirm(input string) bool {
	c.Inputs = append(c.Inputs, input)
	return c.Running && input == "y"
}

func newTestCommandHandler(t *testing.T, client *fakeMQTTClient, exec Executor, cal *fakeCalibration, dev DeviceControl) *CommandHandler {
	t.Helper()
	cfg := DefaultCommandConfig()
	cfg.TopicPrefix = "em"
	cfg.DefaultAnalyzer = "10.0.0.9"
	h := NewCommandHandler(client, exec, cal, dev, cfg, zerolog.Nop(), nil)
	if err := h.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { h.Stop() })
	return h
}

func waitResponses(t *testing.T, client *fakeMQTTClient, n int) []CommandResponse {
	t.Helper()
	var got []CommandResponse
	waitFor(t, func() bool {
		got = client.responses(t, "em/cmd/response")
		return len(got) >= n
	})
	return got
}

// =============================================================================
// Command Tests
// =============================================================================

func TestDefaultCommandConfig(t *testing.T) {
	cfg := DefaultCommandConfig()
	if cfg.TopicPrefix != "energy-monitor" {
		t.Errorf("expected default TopicPrefix 'energy-monitor', got %s", cfg.TopicPrefix)
	}
	if cfg.Timeout != 10*time.Second {
		t.Errorf("expected default Timeout 10s, got %v", cfg.Timeout)
	}
	if cfg.QoS != 1 || !cfg.EnableAcknowledgement {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestCommandHandler_Topics(t *testing.T) {
	client := newFakeMQTTClient()
	h := newTestCommandHandler(t, client, &syncExecutor{}, &fakeCalibration{}, newMockMeter())

	if h.CommandTopic() != "em/cmd/+" {
		t.Errorf("expected em/cmd/+, got %s", h.CommandTopic())
	}
	if h.ResponseTopic() != "em/cmd/response" {
		t.Errorf("expected em/cmd/response, got %s", h.ResponseTopic())
	}
	if _, ok := client.handlers["em/cmd/+"]; !ok {
		t.Error("expected subscription on em/cmd/+")
	}

	h.Stop()
	if len(client.Unsubscribed) != 1 || client.Unsubscribed[0] != "em/cmd/+" {
		t.Errorf("unexpected unsubscribes: %v", client.Unsubscribed)
	}
}

func TestCommandHandler_SubscribeError(t *testing.T) {
	client := newFakeMQTTClient()
	client.SubscribeErr = errors.New("not authorised")
	h := NewCommandHandler(client, &syncExecutor{}, &fakeCalibration{}, newMockMeter(), DefaultCommandConfig(), zerolog.Nop(), nil)

	if err := h.Start(); !errors.Is(err, domain.ErrMQTTSubscribeFailed) {
		t.Errorf("expected ErrMQTTSubscribeFailed, got %v", err)
	}
}

func TestCommandHandler_Commands(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		running bool
		success bool
		check   func(t *testing.T, cal *fakeCalibration, dev *mockMeter, resp CommandResponse)
	}{
		{
			name:    "calibrate with analyzer",
			topic:   "em/cmd/calibrate",
			payload: `{"request_id":"r1","analyzer":"192.168.1.50","reactive":true}`,
			success: true,
			check: func(t *testing.T, cal *fakeCalibration, _ *mockMeter, resp CommandResponse) {
				if len(cal.Starts) != 1 || cal.Starts[0] != "192.168.1.50" || !cal.Reactive[0] {
					t.Errorf("unexpected starts: %v %v", cal.Starts, cal.Reactive)
				}
				if resp.RunID != "run-42" || resp.RequestID != "r1" {
					t.Errorf("unexpected response: %+v", resp)
				}
			},
		},
		{
			name:    "calibrate uses default analyzer",
			topic:   "em/cmd/calibrate",
			payload: ``,
			success: true,
			check: func(t *testing.T, cal *fakeCalibration, _ *mockMeter, _ CommandResponse) {
				if len(cal.Starts) != 1 || cal.Starts[0] != "10.0.0.9" || cal.Reactive[0] {
					t.Errorf("unexpected starts: %v %v", cal.Starts, cal.Reactive)
				}
			},
		},
		{
			name:    "cancel running",
			topic:   "em/cmd/cancel",
			running: true,
			success: true,
			check: func(t *testing.T, cal *fakeCalibration, _ *mockMeter, _ CommandResponse) {
				if !cal.Cancelled {
					t.Error("expected calibration cancelled")
				}
			},
		},
		{
			name:    "cancel idle",
			topic:   "em/cmd/cancel",
			success: false,
		},
		{
			name:    "confirm",
			topic:   "em/cmd/confirm",
			payload: `{"input":"y"}`,
			running: true,
			success: true,
		},
		{
			name:    "factory reset",
			topic:   "em/cmd/factory-reset",
			success: true,
			check: func(t *testing.T, _ *fakeCalibration, dev *mockMeter, resp CommandResponse) {
				if dev.last() != "FactoryReset" || resp.TransactionID != 1 {
					t.Errorf("unexpected calls %v, response %+v", dev.Calls, resp)
				}
			},
		},
		{
			name:    "beep",
			topic:   "em/cmd/beep",
			payload: `{"on":true}`,
			success: true,
			check: func(t *testing.T, _ *fakeCalibration, dev *mockMeter, _ CommandResponse) {
				if dev.last() != "Beep" {
					t.Errorf("unexpected calls %v", dev.Calls)
				}
			},
		},
		{
			name:    "unknown command",
			topic:   "em/cmd/selfdestruct",
			success: false,
			check: func(t *testing.T, _ *fakeCalibration, _ *mockMeter, resp CommandResponse) {
				if resp.Command != "selfdestruct" || resp.Error == "" {
					t.Errorf("unexpected response: %+v", resp)
				}
			},
		},
		{
			name:    "invalid payload",
			topic:   "em/cmd/calibrate",
			payload: `{not json`,
			success: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeMQTTClient()
			cal := &fakeCalibration{Running: tt.running}
			dev := newMockMeter()
			newTestCommandHandler(t, client, &syncExecutor{}, cal, dev)

			client.deliver("em/cmd/+", tt.topic, tt.payload)
			resp := waitResponses(t, client, 1)[0]

			if resp.Success != tt.success {
				t.Errorf("expected success=%v, got %+v", tt.success, resp)
			}
			if tt.check != nil {
				tt.check(t, cal, dev, resp)
			}
		})
	}
}

func TestCommandHandler_IgnoresResponses(t *testing.T) {
	client := newFakeMQTTClient()
	h := newTestCommandHandler(t, client, &syncExecutor{}, &fakeCalibration{}, newMockMeter())

	client.deliver("em/cmd/+", "em/cmd/response", `{"command":"beep","success":true}`)
	time.Sleep(20 * time.Millisecond)
	if got := h.Stats()["commands_received"]; got != 0 {
		t.Errorf("expected no commands received, got %d", got)
	}
}

func TestCommandHandler_ExecutorStopped(t *testing.T) {
	client := newFakeMQTTClient()
	h := newTestCommandHandler(t, client, &syncExecutor{Err: domain.ErrServiceStopped}, &fakeCalibration{}, newMockMeter())

	client.deliver("em/cmd/+", "em/cmd/beep", `{"on":false}`)
	resp := waitResponses(t, client, 1)[0]
	if resp.Success || resp.Error != domain.ErrServiceStopped.Error() {
		t.Errorf("unexpected response: %+v", resp)
	}
	if got := h.Stats()["commands_failed"]; got != 1 {
		t.Errorf("expected 1 failed command, got %d", got)
	}
}

func TestCommandHandler_CalibrationError(t *testing.T) {
	client := newFakeMQTTClient()
	cal := &fakeCalibration{StartErr: domain.ErrCalibrationInProgress}
	newTestCommandHandler(t, client, &syncExecutor{}, cal, newMockMeter())

	client.deliver("em/cmd/+", "em/cmd/calibrate", `{"analyzer":"10.0.0.1"}`)
	resp := waitResponses(t, client, 1)[0]
	if resp.Success || resp.Error != domain.ErrCalibrationInProgress.Error() {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestCommandHandler_TimedOutCommandNeverRuns(t *testing.T) {
	client := newFakeMQTTClient()
	exec := &lateExecutor{}
	dev := newMockMeter()
	cal := &fakeCalibration{}
	newTestCommandHandler(t, client, exec, cal, dev)

	client.deliver("em/cmd/+", "em/cmd/calibrate", `{"request_id":"r1","analyzer":"10.0.0.1"}`)
	resp := waitResponses(t, client, 1)[0]
	if resp.Success || resp.Error != context.DeadlineExceeded.Error() || resp.RunID != "" {
		t.Errorf("unexpected response: %+v", resp)
	}

	client.deliver("em/cmd/+", "em/cmd/beep", `{"request_id":"r2","on":true}`)
	waitResponses(t, client, 2)

	if n := exec.runPending(); n != 2 {
		t.Fatalf("expected 2 queued closures, got %d", n)
	}
	if len(cal.Starts) != 0 {
		t.Errorf("expected abandoned calibration not started, got %v", cal.Starts)
	}
	if len(dev.Calls) != 0 {
		t.Errorf("expected abandoned beep not sent, got %v", dev.Calls)
	}
	if got := client.responses(t, "em/cmd/response"); len(got) != 2 {
		t.Errorf("expected exactly 2 responses, got %d", len(got))
	}
}
