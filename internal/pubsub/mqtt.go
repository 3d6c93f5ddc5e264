// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-solarman/internal/config"
	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/resident-x/go-solarman/internal/homeassistant"
	"github.com/resident-x/go-solarman/internal/registers"
)

const publishTimeout = 5 * time.Second

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

// RegisterDevice is a no-op for the NoopPublisher.
func (p *NoopPublisher) RegisterDevice(_ string, _ *registers.Catalog) error {
	return nil
}

// UnregisterDevice is a no-op for the NoopPublisher.
func (p *NoopPublisher) UnregisterDevice(_ context.Context, _ string) error {
	return nil
}

// OnStatus is a no-op for the NoopPublisher.
func (p *NoopPublisher) OnStatus(_ context.Context, _ domain.DeviceStatus) {}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher publishes device snapshots and availability to an MQTT broker.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	clientFactory func(*MQTTPublisher) mqtt.Client
	logger        zerolog.Logger

	mu              sync.RWMutex
	connected       bool
	birthSubscribed bool
	discovery       map[string]*homeassistant.AutoDiscovery
	discovered      map[string]bool
	lastAvailable   map[string]bool
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	return &MQTTPublisher{
		config:        cfg,
		clientFactory: createMQTTClient,
		logger:        log.With().Str("component", "mqtt").Logger(),
		discovery:     make(map[string]*homeassistant.AutoDiscovery),
		discovered:    make(map[string]bool),
		lastAvailable: make(map[string]bool),
	}
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	p := NewMQTTPublisher(cfg)
	p.client = client
	return p
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(p *MQTTPublisher) mqtt.Client {
	cfg := p.config
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(fmt.Sprintf("%s-%d", cfg.MQTT.ClientID, time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(publishTimeout).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	// Set credentials if provided
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// onConnect is called when a connection is made or remade.
func (p *MQTTPublisher) onConnect(_ mqtt.Client) {
	p.mu.Lock()
	p.connected = true
	// Clear discovered sensors on reconnect to trigger re-discovery
	p.discovered = make(map[string]bool)
	p.mu.Unlock()

	p.logger.Info().Msg("MQTT connection established")
}

// onConnectionLost is called when the connection drops.
func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.birthSubscribed = false
	p.mu.Unlock()

	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	// If MQTT is disabled, do nothing
	if !p.config.MQTT.Enabled {
		return nil
	}

	// Create client if not already set (for testing)
	if p.client == nil {
		p.client = p.clientFactory(p)
	}

	// Connect with context for timeout
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := p.client.Connect()

	// Wait for connection or context timeout
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: %w", connectCtx.Err())
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	// Subscribe to birth message if enabled
	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		p.subscribeToBirthMessage()
	}

	return nil
}

// IsConnected reports whether the broker connection is up.
func (p *MQTTPublisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// subscribeToBirthMessage subscribes to Home Assistant birth messages.
func (p *MQTTPublisher) subscribeToBirthMessage() {
	p.mu.RLock()
	skip := p.birthSubscribed || !p.connected
	p.mu.RUnlock()
	if skip {
		return
	}

	birthTopic := fmt.Sprintf("%s/status", p.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)

	token := p.client.Subscribe(birthTopic, 0, p.handleBirthMessage)
	if token.Wait() && token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Str("topic", birthTopic).Msg("Failed to subscribe to birth message")
		return
	}

	p.mu.Lock()
	p.birthSubscribed = true
	p.mu.Unlock()
	p.logger.Info().Str("topic", birthTopic).Msg("Subscribed to Home Assistant birth messages")
}

// handleBirthMessage handles Home Assistant birth messages.
func (p *MQTTPublisher) handleBirthMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := string(msg.Payload())

	p.logger.Debug().
		Str("topic", msg.Topic()).
		Str("payload", payload).
		Msg("Received Home Assistant birth message")

	// If Home Assistant comes online, clear discovery cache to trigger re-discovery
	if payload == homeassistant.PayloadOnline {
		p.logger.Info().Msg("Home Assistant came online, triggering auto-discovery refresh")
		p.mu.Lock()
		p.discovered = make(map[string]bool)
		p.mu.Unlock()
	}
}

// DeviceTopic returns the topic root of a device.
func (p *MQTTPublisher) DeviceTopic(device string) string {
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(p.config.MQTT.Topic, "/"), device)
}

// StateTopic returns the topic carrying a device's snapshot.
func (p *MQTTPublisher) StateTopic(device string) string {
	return p.DeviceTopic(device) + "/state"
}

// AvailabilityTopic returns the topic carrying a device's availability.
func (p *MQTTPublisher) AvailabilityTopic(device string) string {
	return p.DeviceTopic(device) + "/availability"
}

// RegisterDevice prepares Home Assistant discovery for a device.
func (p *MQTTPublisher) RegisterDevice(device string, catalog *registers.Catalog) error {
	if !p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		return nil
	}

	ad, err := homeassistant.New(homeassistant.Config{
		Enabled:         true,
		DiscoveryPrefix: p.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix,
		RetainDiscovery: p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery,
	}, catalog, p.DeviceTopic(device), device)
	if err != nil {
		return fmt.Errorf("failed to setup Home Assistant discovery: %w", err)
	}

	p.mu.Lock()
	p.discovery[device] = ad
	p.mu.Unlock()
	return nil
}

// UnregisterDevice removes a device's Home Assistant entities.
func (p *MQTTPublisher) UnregisterDevice(ctx context.Context, device string) error {
	p.mu.Lock()
	ad := p.discovery[device]
	delete(p.discovery, device)
	delete(p.lastAvailable, device)
	p.mu.Unlock()

	if ad == nil || !p.IsConnected() {
		return nil
	}

	for topic, payload := range ad.CleanupDiscoveryMessages() {
		if err := p.publishRaw(ctx, topic, true, []byte(payload)); err != nil {
			return err
		}
		p.mu.Lock()
		delete(p.discovered, topic)
		p.mu.Unlock()
	}
	return nil
}

// OnStatus publishes the snapshot and availability of a device.
func (p *MQTTPublisher) OnStatus(ctx context.Context, status domain.DeviceStatus) {
	if err := p.PublishStatus(ctx, status); err != nil {
		p.logger.Error().Err(err).Str("device", status.Name).Msg("Failed to publish device status")
	}
}

// PublishStatus publishes discovery (once), availability and the latest snapshot.
func (p *MQTTPublisher) PublishStatus(ctx context.Context, status domain.DeviceStatus) error {
	if !p.config.MQTT.Enabled || !p.IsConnected() {
		return nil
	}

	if err := p.publishDiscovery(ctx, status.Name); err != nil {
		return fmt.Errorf("failed to publish Home Assistant discovery: %w", err)
	}

	payload := homeassistant.PayloadOffline
	if status.Available {
		payload = homeassistant.PayloadOnline
	}
	if err := p.publishRaw(ctx, p.AvailabilityTopic(status.Name), true, []byte(payload)); err != nil {
		return fmt.Errorf("failed to publish availability message: %w", err)
	}

	p.mu.Lock()
	previous, seen := p.lastAvailable[status.Name]
	p.lastAvailable[status.Name] = status.Available
	p.mu.Unlock()
	if !seen || previous != status.Available {
		p.logger.Info().Str("device", status.Name).Str("availability", payload).Msg("Availability changed")
	}

	if status.Snapshot == nil {
		return nil
	}

	return p.Publish(ctx, p.StateTopic(status.Name), status.Snapshot)
}

func (p *MQTTPublisher) publishDiscovery(ctx context.Context, device string) error {
	p.mu.RLock()
	ad := p.discovery[device]
	p.mu.RUnlock()
	if ad == nil {
		return nil
	}

	for topic, message := range ad.GenerateDiscoveryMessages() {
		p.mu.RLock()
		done := p.discovered[topic]
		p.mu.RUnlock()
		if done {
			continue
		}

		messageJSON, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery message: %w", err)
		}

		if err := p.publishRaw(ctx, topic, p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery, messageJSON); err != nil {
			return fmt.Errorf("failed to publish discovery message to %s: %w", topic, err)
		}

		p.mu.Lock()
		p.discovered[topic] = true
		p.mu.Unlock()
	}

	return nil
}

// Publish sends data as JSON to the specified topic.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled || !p.IsConnected() {
		return nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}

	p.logger.Debug().Str("topic", topic).RawJSON("data", jsonData).Msg("Publishing")

	return p.publishRaw(ctx, topic, p.config.MQTT.Retain, jsonData)
}

func (p *MQTTPublisher) publishRaw(ctx context.Context, topic string, retain bool, payload []byte) error {
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	token := p.client.Publish(topic, 0, retain, payload)

	// Wait for publication or context timeout
	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish to %s timed out: %w", topic, publishCtx.Err())
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}

	return nil
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.connected {
		p.client.Disconnect(250) // Disconnect with 250ms timeout
		p.connected = false
	}
	return nil
}
