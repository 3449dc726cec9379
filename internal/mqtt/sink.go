// Package mqtt forwards domain events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/HerbHall/miningops/pkg/models"
	"github.com/HerbHall/miningops/pkg/plugin"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultKeepAlive         = 60 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	maxQoS                   = 2
)

// pahoClient is the subset of pahomqtt.Client used by the sink.
type pahoClient interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

type message struct {
	topic   string
	payload []byte
}

// Sink publishes every DomainEvent on the bus as JSON to
// <prefix>/events/<kind>. Publishing happens on a worker goroutine behind a
// bounded queue so event producers never wait on the broker; events that
// arrive while the queue is full are dropped and logged.
type Sink struct {
	client pahoClient
	cfg    Config
	logger *zap.Logger

	queue chan message
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex // guards closed, dropped and sends on queue
	closed  bool
	dropped uint64
}

// Connect dials the broker described by cfg and starts the publish worker.
func Connect(cfg Config, logger *zap.Logger) (*Sink, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(cfg.StatusTopic(), statusPayload("offline", cfg.ClientID), byte(cfg.QoS), true)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		c.Publish(cfg.StatusTopic(), byte(cfg.QoS), true, statusPayload("online", cfg.ClientID))
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return newSink(client, cfg, logger), nil
}

func newSink(client pahoClient, cfg Config, logger *zap.Logger) *Sink {
	s := &Sink{
		client: client,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan message, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Subscribe forwards domain events published on bus.
func (s *Sink) Subscribe(bus plugin.EventBus) (unsubscribe func()) {
	return bus.SubscribeAll(s.handle)
}

func (s *Sink) handle(_ context.Context, ev plugin.Event) {
	de, ok := ev.Payload.(models.DomainEvent)
	if !ok {
		return
	}
	payload, err := json.Marshal(de)
	if err != nil {
		s.logger.Warn("failed to encode event", zap.String("kind", string(de.Kind)), zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- message{topic: s.cfg.EventTopic(string(de.Kind)), payload: payload}:
	default:
		s.dropped++
		s.logger.Warn("mqtt queue full, dropping event", zap.String("kind", string(de.Kind)))
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for msg := range s.queue {
		if err := s.publish(msg); err != nil {
			s.logger.Warn("mqtt publish failed", zap.String("topic", msg.topic), zap.Error(err))
		}
	}
}

func (s *Sink) publish(msg message) error {
	token := s.client.Publish(msg.topic, byte(s.cfg.QoS), false, msg.payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, s.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Dropped returns the number of events dropped because the queue was full.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close drains queued events, publishes the offline status and disconnects.
// Events handled after Close are ignored.
func (s *Sink) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		<-s.done
		if s.client.IsConnected() {
			token := s.client.Publish(s.cfg.StatusTopic(), byte(s.cfg.QoS), true, statusPayload("offline", s.cfg.ClientID))
			token.WaitTimeout(s.cfg.PublishTimeout)
		}
		s.client.Disconnect(defaultDisconnectQuiesce)
	})
	return nil
}

func statusPayload(status, clientID string) string {
	b, _ := json.Marshal(map[string]string{
		"status":    status,
		"client_id": clientID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	return string(b)
}
