package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/overlandkit/overland/pkg/geo"
	"github.com/overlandkit/overland/pkg/logx"
)

// Config holds MQTT publishing configuration.
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration. Disabled by default.
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "overlandd",
		TopicPrefix: "overland",
		QoS:         1,
		Retain:      true,
		Enabled:     false,
	}
}

// positionMessage is the published convoy-position payload.
type positionMessage struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Heading   float64 `json:"heading,omitempty"`
	Timestamp int64   `json:"timestamp"`
	ClientID  string  `json:"client_id"`
}

// Publisher shares the vehicle's position over MQTT so other convoy members
// can follow it. Publishing is best-effort: connection problems are logged
// and the next coalesced update tries again.
type Publisher struct {
	config *Config
	logger *logx.Logger

	mu          sync.Mutex
	client      MQTT.Client
	lastPublish time.Time
}

// NewPublisher creates an MQTT position publisher.
func NewPublisher(config *Config, logger *logx.Logger) *Publisher {
	if config == nil {
		config = DefaultConfig()
	}
	return &Publisher{config: config, logger: logger}
}

// Connect establishes the broker connection. A no-op when disabled.
func (p *Publisher) Connect() error {
	if !p.config.Enabled {
		p.logger.Info("mqtt_disabled")
		return nil
	}

	opts := MQTT.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)).
		SetClientID(p.config.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	client := MQTT.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(15*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info("mqtt_connected",
		"broker", p.config.Broker,
		"port", p.config.Port,
		"topic_prefix", p.config.TopicPrefix)
	return nil
}

// PublishPosition publishes a coalesced location update to
// {prefix}/position.
func (p *Publisher) PublishPosition(fix geo.Coordinate) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return
	}

	payload, err := json.Marshal(positionMessage{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Altitude:  fix.Altitude,
		Accuracy:  fix.Accuracy,
		Heading:   fix.Heading,
		Timestamp: fix.Timestamp,
		ClientID:  p.config.ClientID,
	})
	if err != nil {
		p.logger.Error("mqtt_encode_failed", "error", err.Error())
		return
	}

	topic := p.config.TopicPrefix + "/position"
	token := client.Publish(topic, byte(p.config.QoS), p.config.Retain, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		p.logger.Warn("mqtt_publish_failed", "topic", topic, "error", token.Error().Error())
		return
	}

	p.mu.Lock()
	p.lastPublish = time.Now()
	p.mu.Unlock()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}
