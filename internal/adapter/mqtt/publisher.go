// Package mqtt exports meter readings and alerts to an MQTT broker, with
// automatic reconnection and buffering while the broker is unreachable.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/nexus-edge/meter-telemetry/internal/metrics"
	"github.com/rs/zerolog"
)

const sinkName = "mqtt"

// Publisher sends readings and alerts to the broker. It is both a
// collection sink and an alert notifier.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	messageBuffer chan *bufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	startBuffer   sync.Once
	stats         *PublisherStats

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TopicPrefix    string
	BufferSize     int
	PublishTimeout time.Duration
}

type bufferedMessage struct {
	topic   string
	payload []byte
}

// PublisherStats tracks publisher activity.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	MessagesDropped   atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "meter-telemetry",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		TopicPrefix:    "telemetry",
		BufferSize:     10000,
		PublishTimeout: 5 * time.Second,
	}
}

// NewPublisher creates a new MQTT publisher. Zero durations and sizes take
// the DefaultConfig values.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
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

	return &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *bufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
		newClient:     pahomqtt.NewClient,
	}
}

// Name implements the collection sink interface.
func (p *Publisher) Name() string {
	return sinkName
}

// ReadingTopic is the topic a meter's readings are published on.
func (p *Publisher) ReadingTopic(meterID string) string {
	return p.config.TopicPrefix + "/meters/" + meterID + "/readings"
}

// AlertTopic is the topic a meter's alerts are published on.
func (p *Publisher) AlertTopic(meterID string) string {
	return p.config.TopicPrefix + "/meters/" + meterID + "/alerts"
}

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
	// AutoReconnect only covers sessions that connected once; a broker
	// that is down at startup is retried in the background.
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := p.newClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	// The buffer worker runs however the first attempt ends and publishes
	// once onConnect reports the broker is up.
	p.startBuffer.Do(func() {
		p.wg.Add(1)
		go p.processBuffer()
	})

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()
	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrSinkConnectFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrSinkConnectFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrSinkConnectFailed, ctx.Err())
	}

	p.connected.Store(true)
	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Disconnect drains the buffer and disconnects from the broker.
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

	// Disconnect also stops a connect retry still in progress.
	if p.client != nil {
		p.client.Disconnect(1000)
	}

	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// Export publishes each reading on its meter's reading topic. Readings are
// buffered while the broker is unreachable.
func (p *Publisher) Export(ctx context.Context, readings []domain.MeterReading) error {
	var lastErr error
	sent := 0
	for i := range readings {
		payload, err := readings[i].ToJSON()
		if err != nil {
			lastErr = fmt.Errorf("failed to serialize reading: %w", err)
			continue
		}
		if err := p.publish(ctx, p.ReadingTopic(readings[i].MeterID), payload); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if p.metrics != nil && sent > 0 {
		p.metrics.RecordSinkExport(sinkName, sent)
	}
	return lastErr
}

// Notify publishes an alert on its meter's alert topic.
func (p *Publisher) Notify(ctx context.Context, alert domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to serialize alert: %w", err)
	}
	return p.publish(ctx, p.AlertTopic(alert.MeterID), payload)
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte) error {
	if !p.connected.Load() {
		return p.buffer(&bufferedMessage{topic: topic, payload: payload})
	}
	return p.publishRaw(ctx, topic, payload)
}

func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrSinkNotConnected
	}

	token := client.Publish(topic, p.config.QoS, false, payload)
	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	select {
	case success := <-publishDone:
		if !success {
			p.stats.MessagesFailed.Add(1)
			return fmt.Errorf("%w: publish timeout", domain.ErrSinkPublishFailed)
		}
		if token.Error() != nil {
			p.stats.MessagesFailed.Add(1)
			return fmt.Errorf("%w: %v", domain.ErrSinkPublishFailed, token.Error())
		}
	case <-ctx.Done():
		p.stats.MessagesFailed.Add(1)
		return fmt.Errorf("%w: %v", domain.ErrSinkPublishFailed, ctx.Err())
	}

	p.stats.MessagesPublished.Add(1)
	return nil
}

// buffer queues a message, dropping the oldest one when the buffer is full.
func (p *Publisher) buffer(msg *bufferedMessage) error {
	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
	}

	select {
	case <-p.messageBuffer:
		p.stats.MessagesDropped.Add(1)
	default:
	}
	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		p.logger.Warn().Msg("Buffer full, dropped oldest message")
		return nil
	default:
		return domain.ErrSinkBufferFull
	}
}

// processBuffer publishes buffered messages while connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return

		case msg := <-p.messageBuffer:
			if !p.connected.Load() {
				select {
				case p.messageBuffer <- msg:
				default:
					p.stats.MessagesDropped.Add(1)
				}
				select {
				case <-p.done:
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg.topic, msg.payload); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.topic).Msg("Failed to publish buffered message")
			}
			cancel()
		}
	}
}

// drainBuffer publishes what is left in the buffer, for at most 5 seconds.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			if !p.connected.Load() {
				p.stats.MessagesDropped.Add(1)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg.topic, msg.payload); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.topic).Msg("Failed to drain buffered message")
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

func (p *Publisher) onConnect(pahomqtt.Client) {
	p.connected.Store(true)
	p.logger.Info().Msg("MQTT connection established")
}

func (p *Publisher) onConnectionLost(_ pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(pahomqtt.Client, *pahomqtt.ClientOptions) {
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() *PublisherStats {
	return p.stats
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(context.Context) error {
	if !p.connected.Load() {
		return domain.ErrSinkNotConnected
	}
	return nil
}
