package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thecoderpanda/ard-server/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MessageHandler processes one message body received on topic.
type MessageHandler func(topic string, body []byte) error

type Subscriber struct {
	client    mqtt.Client
	cfg       config.Config
	clientID  string
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once

	handler MessageHandler
}

// SetMessageHandler must be called before Connect; messages can arrive right
// after the subscription is acknowledged.
func (s *Subscriber) SetMessageHandler(handler MessageHandler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// ClientID returns the id used on the broker: the configured prefix plus a
// per-process suffix, so two servers never kick each other off.
func (s *Subscriber) ClientID() string { return s.clientID }

func NewSubscriber(cfg config.Config, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		cfg:      cfg,
		clientID: uniqueClientID(cfg.MQTTClientID),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	opts := newClientOptions(cfg, s.clientID)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// onConnect runs on the first connect and on every automatic reconnect. The
// session is clean, so the broker forgets the subscription with the
// connection and it has to be made again each time. Subscribing waits for
// the broker's ack, which paho cannot deliver while this callback blocks.
func (s *Subscriber) onConnect(c mqtt.Client) {
	s.setConnected(true)
	s.logger.Info("mqtt connected", "broker", s.cfg.MQTTBroker, "port", s.cfg.MQTTPort, "client_id", s.clientID)
	go func() {
		if err := s.subscribe(c); err != nil {
			s.logger.Error("mqtt subscribe failed", "topic", s.cfg.MQTTTopic, "error", err)
		}
	}()
}

func uniqueClientID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func newClientOptions(cfg config.Config, clientID string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(clientID)

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	return opts
}

// Connect starts the client and waits until it is connected, ctx is done or
// the subscriber is stopped. The topic is subscribed from the on-connect
// callback. When ctx ends first the client keeps retrying in the background
// and subscribes once the broker becomes reachable; only Disconnect stops it.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return fmt.Errorf("subscriber stopped")
	default:
	}

	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()

	// Wait in a ctx/stop-aware loop.
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
			return fmt.Errorf("mqtt connect: still retrying in background: %w", ctx.Err())
		case <-s.stopCh:
			s.client.Disconnect(0)
			return fmt.Errorf("subscriber stopped")
		default:
		}
	}
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	topic := s.cfg.MQTTTopic
	qos := byte(1) // At least once delivery

	token := c.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}

	s.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
	return nil
}

// handleMessage runs on paho's callback goroutines. Handler errors are
// already logged by the handler with more context, so only the outcome is
// recorded here.
func (s *Subscriber) handleMessage(topic string, body []byte) {
	s.logger.Debug("received mqtt message", "topic", topic, "size", len(body))

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler == nil {
		s.logger.Warn("dropping mqtt message: no handler registered", "topic", topic)
		return
	}

	if err := handler(topic, body); err != nil {
		s.logger.Debug("mqtt message not stored", "topic", topic, "error", err)
		return
	}
	s.logger.Debug("processed mqtt message", "topic", topic)
}

// IsConnected returns whether the client is connected.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber and closes the MQTT connection.
// Idempotent and safe to call multiple times.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.client != nil && s.IsConnected() {
		token := s.client.Unsubscribe(s.cfg.MQTTTopic)
		token.WaitTimeout(2 * time.Second)
	}

	// Disconnect without holding s.mu to avoid lock contention/deadlocks.
	if s.client != nil {
		s.client.Disconnect(250)
	}

	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
