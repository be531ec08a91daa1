package mqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"golang.org/x/time/rate"

	"github.com/SnowindMe/MaiBot/internal/config"
	"github.com/SnowindMe/MaiBot/internal/events"
	"github.com/SnowindMe/MaiBot/internal/outbound"
)

// ErrNotConnected is returned by [Bridge.Deliver] before [Bridge.Start]
// has created the connection.
var ErrNotConnected = errors.New("mqtt bridge not started")

// MessageHandler processes one inbound payload. It is called on its own
// goroutine per message and must be safe for concurrent use.
type MessageHandler func(ctx context.Context, payload []byte)

// publisher is the subset of [autopaho.ConnectionManager] used for
// delivery.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Bridge owns the broker connection. It implements [outbound.Transport].
type Bridge struct {
	cfg     config.MQTTConfig
	handler MessageHandler
	limiter *rate.Limiter
	bus     *events.Bus
	logger  *slog.Logger

	mu  sync.RWMutex
	cm  *autopaho.ConnectionManager
	pub publisher

	inflight sync.WaitGroup
	received atomic.Int64
	dropped  atomic.Int64
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// begin the connection. A negative cfg.RateLimit disables flood
// protection.
func New(cfg config.MQTTConfig, handler MessageHandler, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		cfg:     cfg,
		handler: handler,
		bus:     bus,
		logger:  logger,
	}
	if cfg.RateLimit > 0 {
		burst := max(cfg.RateBurst, 1)
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return b
}

// Start connects to the broker and serves inbound messages. It blocks
// until ctx is cancelled, then waits for in-flight handlers to return.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cm, err := autopaho.NewConnection(ctx, b.clientConfig(ctx, brokerURL))
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm, b.pub = cm, cm
	b.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	b.inflight.Wait()
	return nil
}

// Stop publishes "offline" to the availability topic and disconnects.
// ctx bounds the publish and disconnect.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.RLock()
	cm := b.cm
	b.mu.RUnlock()
	if cm == nil {
		return nil
	}
	b.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	b.mu.RLock()
	cm := b.cm
	b.mu.RUnlock()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Stats returns how many inbound messages were accepted and dropped.
func (b *Bridge) Stats() (received, dropped int64) {
	return b.received.Load(), b.dropped.Load()
}

// OutboundTopic returns the topic segments for streamID are published to.
func (b *Bridge) OutboundTopic(streamID string) string {
	return strings.TrimSuffix(b.cfg.OutboundTopic, "/") + "/" + streamID
}

// Deliver publishes one outbound segment as JSON.
func (b *Bridge) Deliver(ctx context.Context, msg *outbound.Sending) error {
	b.mu.RLock()
	pub := b.pub
	b.mu.RUnlock()
	if pub == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound %s: %w", msg.MessageID, err)
	}
	topic := b.OutboundTopic(msg.Stream)
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	b.logger.Log(ctx, config.LevelTrace, "mqtt outbound published",
		"topic", topic, "message_id", msg.MessageID, "payload", string(payload))
	return nil
}

func (b *Bridge) clientConfig(ctx context.Context, brokerURL *url.URL) autopaho.ClientConfig {
	availTopic := b.cfg.AvailabilityTopic()

	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.subscribe(ctx, cm)
			b.publishAvailability(ctx, cm, "online")
			b.bus.Emit(events.SourceMQTT, events.KindConnected, map[string]any{
				"broker": b.cfg.Broker,
			})
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if pr.Packet.Topic != b.cfg.InboundTopic {
						return false, nil
					}
					b.receive(ctx, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				b.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return cfg
}

func (b *Bridge) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: b.cfg.InboundTopic, QoS: 1},
		},
	}); err != nil {
		b.logger.Warn("mqtt subscribe failed", "topic", b.cfg.InboundTopic, "error", err)
		return
	}
	b.logger.Info("mqtt subscribed", "topic", b.cfg.InboundTopic)
}

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.cfg.AvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}

// receive hands payload to the handler on a new goroutine unless the
// limiter rejects it. It reports whether the message was accepted.
func (b *Bridge) receive(ctx context.Context, payload []byte) bool {
	if b.limiter != nil && !b.limiter.Allow() {
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("mqtt messages dropped due to rate limit",
				"dropped", n,
				"limit", float64(b.limiter.Limit()),
				"burst", b.limiter.Burst(),
			)
		}
		return false
	}
	b.received.Add(1)
	b.logger.Log(ctx, config.LevelTrace, "mqtt message received",
		"topic", b.cfg.InboundTopic, "payload_size", len(payload))

	if b.handler == nil {
		return true
	}
	// paho may reuse the packet buffer once the callback returns.
	payload = bytes.Clone(payload)
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.handler(ctx, payload)
	}()
	return true
}
