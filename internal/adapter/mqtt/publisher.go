// Package mqtt publishes measurements and calibration results to an MQTT
// broker, buffering messages while the connection is down.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/nexus-edge/energy-monitor/internal/metrics"
	"github.com/rs/zerolog"
)

// Status payloads published retained on <prefix>/status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Publisher handles publishing telemetry to the MQTT broker.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	reconnecting  atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	PublishTimeout time.Duration
	RetainMessages bool
}

// BufferedMessage represents a message waiting to be published.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

// PublisherStats tracks publisher performance metrics.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	MessagesDropped   atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of PublisherStats.
type StatsSnapshot struct {
	MessagesPublished uint64
	MessagesFailed    uint64
	MessagesBuffered  uint64
	MessagesDropped   uint64
	BytesSent         uint64
	ReconnectCount    uint64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "energy-monitor",
		TopicPrefix:    "energy-monitor",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     1000,
		PublishTimeout: 5 * time.Second,
		RetainMessages: false,
	}
}

// NewPublisher creates a new MQTT publisher.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) (*Publisher, error) {
	// Apply defaults
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = def.PublishTimeout
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = def.KeepAlive
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = def.ReconnectDelay
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = def.TopicPrefix
	}
	if config.QoS > 2 {
		return nil, fmt.Errorf("%w: mqtt qos %d", domain.ErrInvalidConfig, config.QoS)
	}

	return &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
	}, nil
}

// MeasurementTopic is where measurements are published.
func (p *Publisher) MeasurementTopic() string { return p.config.TopicPrefix + "/measurement" }

// CalibrationTopic is where calibration results are published.
func (p *Publisher) CalibrationTopic() string { return p.config.TopicPrefix + "/calibration" }

// StatusTopic carries the retained online/offline state.
func (p *Publisher) StatusTopic() string { return p.config.TopicPrefix + "/status" }

// Connect establishes the connection to the MQTT broker.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)
	opts.SetWill(p.StatusTopic(), StatusOffline, p.config.QoS, true)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := pahomqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()

	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	// The on-connect callback may not have fired yet.
	p.connected.Store(true)
	p.start()

	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// start launches the buffer processor.
func (p *Publisher) start() {
	p.done = make(chan struct{})
	p.wg.Add(1)
	go p.processBuffer()
}

// Disconnect publishes the offline status and disconnects from the broker.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsConnected() {
		token := p.client.Publish(p.StatusTopic(), p.config.QoS, true, StatusOffline)
		token.WaitTimeout(p.config.PublishTimeout)
		p.client.Disconnect(1000)
	}

	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// PublishMeasurement publishes a measurement as compact JSON.
func (p *Publisher) PublishMeasurement(ctx context.Context, m domain.Measurement) error {
	payload, err := m.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize measurement: %w", err)
	}
	return p.publish(ctx, p.MeasurementTopic(), payload, p.config.RetainMessages)
}

// PublishCalibration publishes a calibration result. Results are retained so
// a late subscriber sees the last run.
func (p *Publisher) PublishCalibration(ctx context.Context, r domain.CalibrationResult) error {
	payload, err := r.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize calibration result: %w", err)
	}
	return p.publish(ctx, p.CalibrationTopic(), payload, true)
}

// publish sends now when connected and buffers otherwise.
func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if !p.connected.Load() {
		return p.bufferMessage(topic, payload, retained)
	}
	return p.publishRaw(ctx, topic, payload, p.config.QoS, retained)
}

// publishRaw publishes raw payload to a topic.
func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	start := time.Now()
	token := client.Publish(topic, qos, retained, payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	select {
	case success := <-publishDone:
		if !success {
			p.recordFailure(p.config.PublishTimeout.Seconds())
			return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		}
		if token.Error() != nil {
			p.recordFailure(time.Since(start).Seconds())
			return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		p.recordFailure(time.Since(start).Seconds())
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(payload)))
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(true, time.Since(start).Seconds())
	}
	return nil
}

func (p *Publisher) recordFailure(latency float64) {
	p.stats.MessagesFailed.Add(1)
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(false, latency)
	}
}

// bufferMessage adds a message to the buffer for later publishing. When the
// buffer is full the oldest message is dropped.
func (p *Publisher) bufferMessage(topic string, payload []byte, retained bool) error {
	msg := &BufferedMessage{
		Topic:     topic,
		Payload:   payload,
		QoS:       p.config.QoS,
		Retained:  retained,
		Timestamp: time.Now(),
	}
	defer p.updateBufferGauge()

	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
	}

	select {
	case <-p.messageBuffer:
		p.stats.MessagesDropped.Add(1)
		p.logger.Warn().Msg("Buffer full, dropped oldest message")
	default:
	}
	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
		p.stats.MessagesDropped.Add(1)
		return fmt.Errorf("%w: message buffer full", domain.ErrMQTTPublishFailed)
	}
}

func (p *Publisher) updateBufferGauge() {
	if p.metrics != nil {
		p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
	}
}

// processBuffer publishes buffered messages while connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return
		case <-ticker.C:
			if !p.connected.Load() {
				continue
			}
			p.flush()
		}
	}
}

// flush publishes whatever is buffered right now.
func (p *Publisher) flush() {
	for {
		select {
		case msg := <-p.messageBuffer:
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained)
			cancel()
			p.updateBufferGauge()
			if err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish buffered message")
				return
			}
		default:
			return
		}
	}
}

// drainBuffer attempts to publish all remaining buffered messages.
func (p *Publisher) drainBuffer() {
	if !p.connected.Load() {
		if remaining := len(p.messageBuffer); remaining > 0 {
			p.logger.Warn().Int("count", remaining).Msg("Not connected, buffered messages dropped")
		}
		return
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
			}
			cancel()
		case <-timeout:
			if remaining := len(p.messageBuffer); remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
}

// createTLSConfig creates TLS configuration for secure connections.
func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// onConnect marks the publisher online and announces it on the status topic.
func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	p.reconnecting.Store(false)
	p.logger.Info().Msg("MQTT connection established")
	client.Publish(p.StatusTopic(), p.config.QoS, true, StatusOnline)
}

func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.reconnecting.Store(true)
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() StatsSnapshot {
	return StatsSnapshot{
		MessagesPublished: p.stats.MessagesPublished.Load(),
		MessagesFailed:    p.stats.MessagesFailed.Load(),
		MessagesBuffered:  p.stats.MessagesBuffered.Load(),
		MessagesDropped:   p.stats.MessagesDropped.Load(),
		BytesSent:         p.stats.BytesSent.Load(),
		ReconnectCount:    p.stats.ReconnectCount.Load(),
	}
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}

// Client returns the underlying MQTT client.
// This is used by the command handler to subscribe to commands.
func (p *Publisher) Client() pahomqtt.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}
