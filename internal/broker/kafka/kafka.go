// Package kafka implements broker.Access over github.com/segmentio/kafka-go.
// No Kafka client appears in the retrieval pack; segmentio/kafka-go is the
// standard pure-Go ecosystem choice and is named (not grounded) per the
// out-of-pack dependency rule in DESIGN.md. SASL mechanism, security
// protocol, username, password, and topic prefix are read exactly as the
// KAFKA_* environment variables of spec.md §6 describe.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/ariadne-cps/opera/internal/broker"
)

// Config configures a Broker connection.
type Config struct {
	BrokerURI        string
	SASLMechanism    string // "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"
	SecurityProtocol string // "PLAINTEXT", "SASL_PLAINTEXT", "SASL_SSL"
	Username         string
	Password         string
	TopicPrefix      string

	RetryBase  time.Duration
	RetryMax   time.Duration
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	return c
}

func (c Config) topic(name string) string {
	if c.TopicPrefix == "" {
		return name
	}
	return c.TopicPrefix + name
}

func (c Config) mechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: c.Username, Password: c.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.Username, c.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.Username, c.Password)
	default:
		return nil, fmt.Errorf("kafka: unknown sasl mechanism %q", c.SASLMechanism)
	}
}

func (c Config) dialer() (*kafkago.Dialer, error) {
	mech, err := c.mechanism()
	if err != nil {
		return nil, err
	}
	d := &kafkago.Dialer{Timeout: 10 * time.Second, DualStack: true, SASLMechanism: mech}
	if c.SecurityProtocol == "SASL_SSL" {
		d.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return d, nil
}

// Broker is a broker.Access backed by Kafka writers/readers, one of each
// per topic actually used.
type Broker struct {
	cfg    Config
	log    *slog.Logger
	dialer *kafkago.Dialer

	mu      sync.Mutex
	writers map[string]*kafkago.Writer
	readers map[string]*kafkago.Reader
	closed  bool
}

// New constructs a Kafka-backed broker.Access. It does not dial eagerly;
// writers/readers are created lazily per topic on first use.
func New(log *slog.Logger, cfg Config) (*Broker, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	d, err := cfg.dialer()
	if err != nil {
		return nil, err
	}
	return &Broker{
		cfg:     cfg,
		log:     log,
		dialer:  d,
		writers: make(map[string]*kafkago.Writer),
		readers: make(map[string]*kafkago.Reader),
	}, nil
}

func (b *Broker) writerFor(topic string) (*kafkago.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(b.cfg.BrokerURI),
		Topic:        b.cfg.topic(topic),
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
		Transport:    &kafkago.Transport{SASL: b.dialer.SASLMechanism, TLS: b.dialer.TLS},
	}
	b.writers[topic] = w
	return w, nil
}

// Publish implements broker.Access. A failed publish is retried with
// capped exponential backoff, per spec.md §7 BrokerTransient.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	w, err := b.writerFor(topic)
	if err != nil {
		return err
	}

	delay := b.cfg.RetryBase
	for attempt := 0; ; attempt++ {
		err := w.WriteMessages(ctx, kafkago.Message{Value: payload})
		if err == nil {
			return nil
		}
		if b.cfg.MaxRetries > 0 && attempt >= b.cfg.MaxRetries {
			return fmt.Errorf("kafka: publish to %q exhausted retries: %w", topic, err)
		}
		b.log.Warn("kafka publish failed, retrying", "topic", topic, "attempt", attempt+1, "delay", delay, "error", err)
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

// Subscribe implements broker.Access: it spins up a single reader
// goroutine per topic that invokes handler for every message until the
// returned unsubscribe func is called.
func (b *Broker) Subscribe(topic string, handler broker.Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  []string{b.cfg.BrokerURI},
		Topic:    b.cfg.topic(topic),
		Dialer:   b.dialer,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	b.readers[topic] = r
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return
				}
				b.log.Warn("kafka read failed", "topic", topic, "error", err)
				continue
			}
			handler(m.Value)
		}
	}()

	return func() {
		cancel()
		_ = r.Close()
	}, nil
}

// Close implements broker.Access.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var firstErr error
	for _, w := range b.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range b.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
