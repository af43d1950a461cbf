package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/rs/zerolog"
)

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

type published struct {
	topic    string
	retained bool
	payload  interface{}
}

// fakeClient implements pahomqtt.Client and records publishes.
type fakeClient struct {
	mu              sync.Mutex
	PublishErr      error
	Published       []published
	DisconnectCalls int
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() pahomqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.DisconnectCalls++
	c.mu.Unlock()
}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Published = append(c.Published, published{topic: topic, retained: retained, payload: payload})
	return &fakeToken{err: c.PublishErr}
}
func (c *fakeClient) Subscribe(string, byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) pahomqtt.Token        { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader { return pahomqtt.ClientOptionsReader{} }

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Published)
}

func newTestPublisher(t *testing.T, config Config) *Publisher {
	t.Helper()
	p, err := NewPublisher(config, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

// attach connects p to client without a broker.
func attach(p *Publisher, client *fakeClient) {
	p.client = client
	p.connected.Store(true)
	p.start()
}

var sample = domain.Measurement{
	Source:      domain.SourceMeter,
	VoltageRMS:  230.1,
	CurrentRMS:  0.26,
	ActivePower: 59.8,
	Frequency:   50.01,
	PowerFactor: 0.99,
	Timestamp:   time.UnixMilli(1700000000000),
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BrokerURL != "tcp://localhost:1883" {
		t.Errorf("expected default broker, got %s", cfg.BrokerURL)
	}
	if cfg.QoS != 1 || cfg.BufferSize != 1000 || cfg.PublishTimeout != 5*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestNewPublisher(t *testing.T) {
	p := newTestPublisher(t, Config{TopicPrefix: "lab/em1"})
	if p.MeasurementTopic() != "lab/em1/measurement" {
		t.Errorf("unexpected measurement topic %s", p.MeasurementTopic())
	}
	if p.CalibrationTopic() != "lab/em1/calibration" {
		t.Errorf("unexpected calibration topic %s", p.CalibrationTopic())
	}
	if p.StatusTopic() != "lab/em1/status" {
		t.Errorf("unexpected status topic %s", p.StatusTopic())
	}
	if p.config.BufferSize != 1000 {
		t.Errorf("expected default buffer size, got %d", p.config.BufferSize)
	}

	if _, err := NewPublisher(Config{QoS: 3}, zerolog.Nop(), nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestPublisher_BuffersWhileDisconnected(t *testing.T) {
	p := newTestPublisher(t, Config{BufferSize: 2})

	if err := p.HealthCheck(context.Background()); !errors.Is(err, domain.ErrMQTTNotConnected) {
		t.Errorf("expected ErrMQTTNotConnected, got %v", err)
	}

	for i := 0; i < 3; i++ {
		m := sample
		m.VoltageRMS = float64(i)
		if err := p.PublishMeasurement(context.Background(), m); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if p.BufferSize() != 2 {
		t.Errorf("expected 2 buffered, got %d", p.BufferSize())
	}
	stats := p.Stats()
	if stats.MessagesBuffered != 3 || stats.MessagesDropped != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	// The oldest message was dropped.
	first := <-p.messageBuffer
	var payload domain.MQTTPayload
	if err := json.Unmarshal(first.Payload, &payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.Voltage != 1 {
		t.Errorf("expected oldest remaining voltage 1, got %v", payload.Voltage)
	}
}

func TestPublisher_PublishConnected(t *testing.T) {
	p := newTestPublisher(t, Config{TopicPrefix: "em"})
	client := &fakeClient{}
	attach(p, client)
	defer p.Disconnect()

	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("unexpected health error: %v", err)
	}
	if err := p.PublishMeasurement(context.Background(), sample); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := domain.CalibrationResult{RunID: "run-1", Success: true, Duration: 1500 * time.Millisecond}
	if err := p.PublishCalibration(context.Background(), result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.Published) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(client.Published))
	}

	m := client.Published[0]
	if m.topic != "em/measurement" || m.retained {
		t.Errorf("unexpected measurement publish: %+v", m)
	}
	var payload domain.MQTTPayload
	if err := json.Unmarshal(m.payload.([]byte), &payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.Voltage != 230.1 || payload.PF != 0.99 || payload.Timestamp != 1700000000000 || payload.Source != domain.SourceMeter {
		t.Errorf("unexpected payload: %+v", payload)
	}

	c := client.Published[1]
	if c.topic != "em/calibration" || !c.retained {
		t.Errorf("unexpected calibration publish: %+v", c)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(c.payload.([]byte), &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded["run_id"] != "run-1" || decoded["duration_ms"] != float64(1500) {
		t.Errorf("unexpected calibration payload: %v", decoded)
	}

	if p.Stats().MessagesPublished != 2 {
		t.Errorf("expected 2 published, got %d", p.Stats().MessagesPublished)
	}
}

func TestPublisher_PublishError(t *testing.T) {
	p := newTestPublisher(t, Config{})
	client := &fakeClient{PublishErr: errors.New("not authorised")}
	attach(p, client)
	defer p.Disconnect()

	err := p.PublishMeasurement(context.Background(), sample)
	if !errors.Is(err, domain.ErrMQTTPublishFailed) {
		t.Errorf("expected ErrMQTTPublishFailed, got %v", err)
	}
	if p.Stats().MessagesFailed != 1 {
		t.Errorf("expected 1 failure, got %d", p.Stats().MessagesFailed)
	}
}

func TestPublisher_FlushesBufferOnConnect(t *testing.T) {
	p := newTestPublisher(t, Config{TopicPrefix: "em"})
	p.PublishMeasurement(context.Background(), sample)
	p.PublishMeasurement(context.Background(), sample)

	client := &fakeClient{}
	attach(p, client)

	deadline := time.Now().Add(2 * time.Second)
	for client.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for buffered messages")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if p.BufferSize() != 0 {
		t.Errorf("expected empty buffer, got %d", p.BufferSize())
	}

	p.Disconnect()
	client.mu.Lock()
	defer client.mu.Unlock()
	last := client.Published[len(client.Published)-1]
	if last.topic != "em/status" || last.payload != StatusOffline || !last.retained {
		t.Errorf("expected retained offline status, got %+v", last)
	}
	if client.DisconnectCalls != 1 {
		t.Errorf("expected 1 disconnect, got %d", client.DisconnectCalls)
	}
	if p.IsConnected() {
		t.Error("expected disconnected")
	}
}
