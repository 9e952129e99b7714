// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ferrostat/go-panelwatch/internal/config"
	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/ferrostat/go-panelwatch/internal/homeassistant"
	"github.com/ferrostat/go-panelwatch/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StatusTopic returns the topic carrying aggregated status snapshots.
func StatusTopic(cfg *config.Config) string {
	return cfg.MQTT.BaseTopic + "/status"
}

// MasterTopic returns the topic carrying the master indicator word.
func MasterTopic(cfg *config.Config) string {
	return cfg.MQTT.BaseTopic + "/master"
}

// AvailabilityTopic returns the online/offline announcement topic, also
// used as the broker last-will target.
func AvailabilityTopic(cfg *config.Config) string {
	return cfg.MQTT.BaseTopic + "/availability"
}

// ZoneEventTopic returns the topic carrying zone condition change events.
func ZoneEventTopic(cfg *config.Config) string {
	return cfg.MQTT.BaseTopic + "/events/zones"
}

// BellEventTopic returns the topic carrying bell circuit confirmations.
func BellEventTopic(cfg *config.Config) string {
	return cfg.MQTT.BaseTopic + "/events/bells"
}

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT. Besides
// publishing engine output it can subscribe to a feed topic and hand every
// received telegram to the engine, which covers panels bridged over MQTT
// instead of a direct socket.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	logger        zerolog.Logger
	clientFactory func(*MQTTPublisher) mqtt.Client // swapped out in tests

	mu               sync.RWMutex
	connected        bool
	discoveredTopics map[string]bool
	birthSubscribed  bool

	haDiscovery *homeassistant.AutoDiscovery
	feedSink    domain.TelegramSink
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	logger := log.With().Str("component", "mqtt").Logger()
	return &MQTTPublisher{
		config:           cfg,
		clientFactory:    createMQTTClient,
		discoveredTopics: make(map[string]bool),
		logger:           logger,
	}
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	logger := log.With().Str("component", "mqtt").Logger()
	return &MQTTPublisher{
		config:           cfg,
		client:           client,
		discoveredTopics: make(map[string]bool),
		logger:           logger,
	}
}

// SetFeedSink registers the receiver for telegrams arriving on the feed
// topic. Must be called before Connect.
func (p *MQTTPublisher) SetFeedSink(sink domain.TelegramSink) {
	p.feedSink = sink
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(p *MQTTPublisher) mqtt.Client {
	cfg := p.config
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(fmt.Sprintf("panelwatch-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(time.Duration(cfg.MQTT.ConnectionTimeout) * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(false).
		SetOnConnectHandler(p.handleConnect).
		SetConnectionLostHandler(p.handleConnectionLost).
		SetWill(AvailabilityTopic(cfg), homeassistant.PayloadOffline, 0, true)

	// Set credentials if provided
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// Connect establishes a connection to the MQTT broker, retrying with
// exponential backoff up to the configured attempt count.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	// If MQTT is disabled, do nothing
	if !p.config.MQTT.Enabled {
		return nil
	}

	// Create client if not already set (for testing)
	if p.client == nil {
		p.client = p.clientFactory(p)
	}

	timeout := time.Duration(p.config.MQTT.ConnectionTimeout) * time.Second
	attempt := 0
	connect := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++

		token := p.client.Connect()
		if !token.WaitTimeout(timeout) {
			return fmt.Errorf("broker connect timeout after %s", timeout)
		}
		if err := token.Error(); err != nil {
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(p.config.MQTT.ConnectionRetryBaseDelay) * time.Second
	bo.MaxInterval = 30 * time.Second

	notify := func(err error, next time.Duration) {
		p.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("MQTT connection attempt failed")
	}

	var retries uint64
	if p.config.MQTT.ConnectionRetryAttempts > 1 {
		retries = uint64(p.config.MQTT.ConnectionRetryAttempts - 1)
	}

	if err := backoff.RetryNotify(connect, backoff.WithMaxRetries(bo, retries), notify); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	p.afterConnect()
	return nil
}

// afterConnect announces availability and establishes the subscriptions.
// Safe to run again on reconnects: the broker replaces duplicate
// subscriptions and the availability message is retained anyway.
func (p *MQTTPublisher) afterConnect() {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.publishAvailability(ctx, true); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to announce online state")
	}

	p.subscribeFeed()
	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		p.subscribeBirthMessages()
	}
}

// handleConnect runs on every successful (re)connect of the paho client.
func (p *MQTTPublisher) handleConnect(_ mqtt.Client) {
	p.logger.Info().Msg("MQTT connection established")

	// Retained discovery configs may be gone after a broker restart, so
	// the next status publish resends them.
	p.mu.Lock()
	p.discoveredTopics = make(map[string]bool)
	p.mu.Unlock()

	p.afterConnect()
}

// handleConnectionLost runs when the paho client loses the broker.
func (p *MQTTPublisher) handleConnectionLost(_ mqtt.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.birthSubscribed = false
	p.mu.Unlock()
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// subscribeFeed subscribes the registered sink to the telegram feed topic.
func (p *MQTTPublisher) subscribeFeed() {
	if p.feedSink == nil || p.config.MQTT.FeedTopic == "" {
		return
	}

	topic := p.config.MQTT.FeedTopic
	token := p.client.Subscribe(topic, 0, p.handleFeedMessage)
	if token.Wait() && token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to feed topic")
		return
	}

	p.logger.Info().Str("topic", topic).Msg("Subscribed to telegram feed")
}

// handleFeedMessage forwards one raw telegram from the feed topic to the
// engine. Source filtering happens there, not here.
func (p *MQTTPublisher) handleFeedMessage(_ mqtt.Client, msg mqtt.Message) {
	raw := strings.TrimSpace(string(msg.Payload()))
	if raw == "" {
		return
	}
	p.feedSink.Ingest(raw, domain.SourcePush)
}

// subscribeBirthMessages subscribes to Home Assistant birth messages.
func (p *MQTTPublisher) subscribeBirthMessages() {
	p.mu.Lock()
	subscribed := p.birthSubscribed
	p.mu.Unlock()
	if subscribed {
		return
	}

	topic := fmt.Sprintf("%s/status", p.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)
	token := p.client.Subscribe(topic, 0, p.handleBirthMessage)
	if token.Wait() && token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to birth message")
		return
	}

	p.mu.Lock()
	p.birthSubscribed = true
	p.mu.Unlock()
	p.logger.Info().Str("topic", topic).Msg("Subscribed to Home Assistant birth messages")
}

// handleBirthMessage handles Home Assistant birth messages.
func (p *MQTTPublisher) handleBirthMessage(_ mqtt.Client, msg mqtt.Message) {
	if string(msg.Payload()) != homeassistant.PayloadOnline {
		return
	}

	p.logger.Info().Msg("Home Assistant came online, triggering auto-discovery refresh")
	p.mu.Lock()
	p.discoveredTopics = make(map[string]bool)
	p.mu.Unlock()
}

// Publish sends data to the specified topic.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled || !p.isConnected() {
		return nil
	}

	switch v := data.(type) {
	case *domain.AggregatedStatus:
		return p.publishStatusWithDiscovery(ctx, topic, v)
	case domain.PanelEvent, *domain.PanelEvent:
		// Events are moments, not state; never retain them.
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		return p.publishRaw(ctx, topic, false, payload)
	default:
		return p.publishGeneric(ctx, topic, data)
	}
}

// publishStatusWithDiscovery sends an aggregated status snapshot, making
// sure the Home Assistant discovery configs went out first.
func (p *MQTTPublisher) publishStatusWithDiscovery(ctx context.Context, topic string, status *domain.AggregatedStatus) error {
	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		if err := p.setupHomeAssistantDiscovery(); err != nil {
			return fmt.Errorf("failed to setup Home Assistant discovery: %w", err)
		}
		if err := p.publishDiscoveryMessages(ctx); err != nil {
			return fmt.Errorf("failed to publish Home Assistant discovery: %w", err)
		}
	}

	return p.publishGeneric(ctx, topic, status)
}

// setupHomeAssistantDiscovery initializes the discovery builder once.
func (p *MQTTPublisher) setupHomeAssistantDiscovery() error {
	if p.haDiscovery != nil {
		return nil
	}

	haConfig := homeassistant.Config{
		Enabled:            p.config.MQTT.HomeAssistantAutoDiscovery.Enabled,
		DiscoveryPrefix:    p.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix,
		DeviceName:         p.config.MQTT.HomeAssistantAutoDiscovery.DeviceName,
		DeviceManufacturer: p.config.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer,
		DeviceModel:        p.config.MQTT.HomeAssistantAutoDiscovery.DeviceModel,
		RetainDiscovery:    p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery,
	}

	var err error
	p.haDiscovery, err = homeassistant.New(haConfig,
		StatusTopic(p.config), MasterTopic(p.config), AvailabilityTopic(p.config))
	return err
}

// publishDiscoveryMessages sends every discovery config that has not gone
// out on this connection yet.
func (p *MQTTPublisher) publishDiscoveryMessages(ctx context.Context) error {
	if p.haDiscovery == nil {
		return nil
	}

	for topic, message := range p.haDiscovery.DiscoveryMessages() {
		p.mu.RLock()
		seen := p.discoveredTopics[topic]
		p.mu.RUnlock()
		if seen {
			continue
		}

		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery message: %w", err)
		}
		if err := p.publishRaw(ctx, topic, p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery, payload); err != nil {
			return err
		}

		p.mu.Lock()
		p.discoveredTopics[topic] = true
		p.mu.Unlock()
	}

	return nil
}

// publishGeneric handles simple JSON publishing.
func (p *MQTTPublisher) publishGeneric(ctx context.Context, topic string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}
	return p.publishRaw(ctx, topic, p.config.MQTT.Retain, payload)
}

// publishRaw sends one payload and waits for the broker or a timeout.
func (p *MQTTPublisher) publishRaw(ctx context.Context, topic string, retain bool, payload []byte) error {
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := p.client.Publish(topic, 0, retain, payload)

	select {
	case <-publishCtx.Done():
		metrics.PublishErrors.Inc()
		return fmt.Errorf("publish to %s timed out", topic)
	case <-token.Done():
		if err := token.Error(); err != nil {
			metrics.PublishErrors.Inc()
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
	}

	return nil
}

// publishAvailability announces the online or offline state, retained so
// late subscribers see the current one.
func (p *MQTTPublisher) publishAvailability(ctx context.Context, online bool) error {
	payload := homeassistant.PayloadOnline
	if !online {
		payload = homeassistant.PayloadOffline
	}
	return p.publishRaw(ctx, AvailabilityTopic(p.config), true, []byte(payload))
}

// Close terminates the connection to the MQTT broker. The offline
// announcement goes out first since the broker drops the will message on
// clean disconnects.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.isConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.publishAvailability(ctx, false); err != nil {
			p.logger.Debug().Err(err).Msg("Could not announce offline state")
		}
		cancel()

		p.client.Disconnect(250) // Disconnect with 250ms timeout
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
	}
	return nil
}
