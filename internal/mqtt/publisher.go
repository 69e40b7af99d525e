package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thecoderpanda/ard-server/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher sends LoRa envelopes to the ingest topic, standing in for a
// LoRa bridge.
type Publisher struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// LoRaPublish is the wire body the server accepts on the ingest topic and on
// POST /api/lora/data. Value is either a number or a device string.
type LoRaPublish struct {
	Value     any        `json:"value"`
	SensorID  *int64     `json:"sensor_id,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func NewPublisher(cfg config.Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := newClientOptions(cfg, uniqueClientID(cfg.MQTTClientID+"-pub"))
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		logger.Debug("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// Connect waits for the initial connection, and respects ctx and Disconnect().
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return fmt.Errorf("publisher stopped")
	default:
	}

	if p.IsConnected() {
		return nil
	}

	// With ConnectRetry(true), it may keep retrying internally.
	token := p.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			p.client.Disconnect(0)
			return ctx.Err()
		case <-p.stopCh:
			return fmt.Errorf("publisher stopped")
		default:
		}
	}
}

func encodeLoRa(msg LoRaPublish) ([]byte, error) {
	switch msg.Value.(type) {
	case string, float64, int, int64:
	case nil:
		return nil, fmt.Errorf("lora message: value is required")
	default:
		return nil, fmt.Errorf("lora message: value must be a number or a string, got %T", msg.Value)
	}
	if msg.Timestamp != nil {
		ts := msg.Timestamp.UTC()
		msg.Timestamp = &ts
	}
	return json.Marshal(msg)
}

// PublishLoRa publishes msg with QoS 1 to the configured topic.
func (p *Publisher) PublishLoRa(msg LoRaPublish) error {
	data, err := encodeLoRa(msg)
	if err != nil {
		return err
	}
	if !p.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	topic := p.cfg.MQTTTopic
	token := p.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		p.logger.Error("failed to publish lora message", "topic", topic, "error", token.Error())
		return fmt.Errorf("publish lora message: %w", token.Error())
	}

	p.logger.Debug("published lora message", "topic", topic, "size", len(data))
	return nil
}

// IsConnected returns whether the client is connected.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Disconnect is idempotent. After it, Connect returns "publisher stopped".
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	// Paho Disconnect quiesces in-flight work for the given ms.
	if p.client != nil {
		p.client.Disconnect(250)
	}

	p.setConnected(false)
	p.logger.Debug("mqtt disconnected")
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}
