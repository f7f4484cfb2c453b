// Package mqtt implements broker.Access over github.com/eclipse/paho.mqtt.golang,
// grounded on the teacher's emitter.MQTTEmitter (Connect/Publish/Disconnect,
// auto-reconnect options, OnConnect/OnConnectionLost handlers) generalized
// to pub+sub, with a capped-exponential-backoff publish retry grounded on
// the teacher's RTSP reconnect loop.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ariadne-cps/opera/internal/broker"
)

// Config configures a Broker connection.
type Config struct {
	BrokerURI  string
	BrokerPort int
	ClientID   string

	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// RetryBase and RetryMax bound the capped exponential backoff applied
	// to a failed Publish. Zero selects the defaults (200ms, 5s).
	RetryBase  time.Duration
	RetryMax   time.Duration
	MaxRetries int // 0 means unbounded until ctx is done
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	return c
}

// Broker is a broker.Access backed by an MQTT connection.
type Broker struct {
	cfg Config
	log *slog.Logger

	client paho.Client

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// Connect dials the configured MQTT broker and returns a ready Broker.
func Connect(log *slog.Logger, cfg Config) (*Broker, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{cfg: cfg, log: log}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.BrokerURI, cfg.BrokerPort))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.RetryBase)
	opts.SetMaxReconnectInterval(cfg.RetryMax)

	opts.OnConnect = func(paho.Client) {
		b.mu.Lock()
		b.connected = true
		b.mu.Unlock()
		log.Info("mqtt connection established", "broker", cfg.BrokerURI, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
		log.Warn("mqtt connection lost, auto-reconnecting", "error", err, "broker", cfg.BrokerURI)
	}

	b.client = paho.NewClient(opts)

	token := b.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect failed: %w", err)
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	return b, nil
}

// Publish implements broker.Access. A failed publish is retried with
// capped exponential backoff until it succeeds, ctx is done, or
// cfg.MaxRetries is exhausted, per spec.md §7 BrokerTransient.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	delay := b.cfg.RetryBase
	for attempt := 0; ; attempt++ {
		if b.isClosed() {
			return broker.ErrClosed
		}

		token := b.client.Publish(topic, 0, false, payload)
		ok := token.WaitTimeout(b.cfg.PublishTimeout)
		if ok && token.Error() == nil {
			return nil
		}

		var pubErr error
		if !ok {
			pubErr = fmt.Errorf("mqtt: publish timeout")
		} else {
			pubErr = token.Error()
		}

		if b.cfg.MaxRetries > 0 && attempt >= b.cfg.MaxRetries {
			return fmt.Errorf("mqtt: publish to %q exhausted retries: %w", topic, pubErr)
		}

		b.log.Warn("mqtt publish failed, retrying", "topic", topic, "attempt", attempt+1, "delay", delay, "error", pubErr)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > b.cfg.RetryMax {
			delay = b.cfg.RetryMax
		}
	}
}

// Subscribe implements broker.Access.
func (b *Broker) Subscribe(topic string, handler broker.Handler) (func(), error) {
	if b.isClosed() {
		return nil, broker.ErrClosed
	}
	token := b.client.Subscribe(topic, 0, func(_ paho.Client, m paho.Message) {
		handler(m.Payload())
	})
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt: subscribe timeout for %q", topic)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: subscribe failed for %q: %w", topic, err)
	}

	return func() {
		if tok := b.client.Unsubscribe(topic); tok.WaitTimeout(b.cfg.ConnectTimeout) {
			if err := tok.Error(); err != nil {
				b.log.Warn("mqtt unsubscribe failed", "topic", topic, "error", err)
			}
		}
	}, nil
}

// Close implements broker.Access.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
