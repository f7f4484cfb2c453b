// Package broker defines the pub/sub substrate abstraction (C8): a single
// interface implemented independently by the in-memory, MQTT, and Kafka
// transports, so the orchestrator can mix substrates per topic.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish/Subscribe once the broker has been
// closed.
var ErrClosed = errors.New("broker: closed")

// Handler receives one message payload for a subscribed topic.
type Handler func(payload []byte)

// Access is the pub/sub contract every transport satisfies. Topics are
// opaque strings; the four Opera message kinds are distinguished purely by
// which topic they are wired to (see internal/config).
type Access interface {
	// Publish sends payload to topic. Implementations retry transient
	// failures internally per spec.md §7 (BrokerTransient) and only return
	// an error once retries are exhausted.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler to be called for every message received
	// on topic, until the returned unsubscribe func is called or the
	// broker is closed. Handler is invoked on a single goroutine per
	// topic; it must not block for long.
	Subscribe(topic string, handler Handler) (unsubscribe func(), err error)

	// Close releases the underlying connection/resources. Idempotent.
	Close() error
}
