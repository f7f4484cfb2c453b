package mqtt

import (
	"testing"
	"time"

	"github.com/ariadne-cps/opera/internal/broker"
)

func TestConfigWithDefaultsFillsTimeoutsAndRetryBounds(t *testing.T) {
	c := Config{}.withDefaults()
	if c.ConnectTimeout != 5*time.Second {
		t.Fatalf("expected default connect timeout 5s, got %v", c.ConnectTimeout)
	}
	if c.PublishTimeout != 2*time.Second {
		t.Fatalf("expected default publish timeout 2s, got %v", c.PublishTimeout)
	}
	if c.RetryBase != 200*time.Millisecond || c.RetryMax != 5*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", c)
	}
}

func TestConfigWithDefaultsPreservesExplicitValues(t *testing.T) {
	c := Config{ConnectTimeout: time.Second, RetryMax: time.Minute}.withDefaults()
	if c.ConnectTimeout != time.Second {
		t.Fatalf("expected explicit connect timeout preserved, got %v", c.ConnectTimeout)
	}
	if c.RetryMax != time.Minute {
		t.Fatalf("expected explicit retry max preserved, got %v", c.RetryMax)
	}
}

func TestCloseWithoutConnectIsIdempotentAndSafe(t *testing.T) {
	b := &Broker{cfg: Config{}.withDefaults()}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !b.isClosed() {
		t.Fatal("expected broker to report closed after Close")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func TestPublishAfterCloseReturnsErrClosed(t *testing.T) {
	b := &Broker{cfg: Config{}.withDefaults()}
	_ = b.Close()
	if err := b.Publish(nil, "topic", []byte("x")); err != broker.ErrClosed {
		t.Fatalf("expected ErrClosed from Publish after Close, got %v", err)
	}
}
