package discovery

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axon-project/axond/internal/envelope"
	"github.com/axon-project/axond/internal/logger"
)

func testLogger() logger.Logger {
	return logger.NewLogger(&bytes.Buffer{}, logger.DebugLevel)
}

func TestStaticProducerEmitsOnePerPeerAtStartup(t *testing.T) {
	peers := []StaticPeer{
		{ID: "ed25519.aaaa", Host: "127.0.0.1", Port: 9001, PubkeyB64: "aaaa"},
		{ID: "ed25519.bbbb", Host: "127.0.0.1", Port: 9002, PubkeyB64: "bbbb"},
	}
	p := NewStaticProducer(peers, time.Hour, testLogger())

	events := make(chan Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx, events)

	seen := map[envelope.AgentId]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			require.Equal(t, Discovered, ev.Kind)
			seen[ev.ID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for discovery event")
		}
	}
	assert.True(t, seen["ed25519.aaaa"])
	assert.True(t, seen["ed25519.bbbb"])
}

func TestStaticProducerSkipsUnchangedAddressOnReResolve(t *testing.T) {
	peers := []StaticPeer{{ID: "ed25519.aaaa", Host: "127.0.0.1", Port: 9001, PubkeyB64: "aaaa"}}
	p := NewStaticProducer(peers, 10*time.Millisecond, testLogger())

	events := make(chan Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx, events)

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial discovery event")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected repeat event for unchanged address: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStaticProducerRetainsLastAddressOnResolutionFailure(t *testing.T) {
	peers := []StaticPeer{{ID: "ed25519.aaaa", Host: "127.0.0.1", Port: 9001, PubkeyB64: "aaaa"}}
	p := NewStaticProducer(peers, time.Hour, testLogger())

	events := make(chan Event, 8)
	p.resolveAndEmit(peers[0], events)
	<-events

	broken := StaticPeer{ID: "ed25519.aaaa", Host: "this-host-does-not-resolve.invalid", Port: 9001}
	p.resolveAndEmit(broken, events)

	select {
	case ev := <-events:
		t.Fatalf("expected no event when resolution fails and a last address is retained: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "127.0.0.1:9001", p.lastAddr["ed25519.aaaa"])
}

func TestStaticProducerStopsOnContextCancel(t *testing.T) {
	peers := []StaticPeer{{ID: "ed25519.aaaa", Host: "127.0.0.1", Port: 9001}}
	p := NewStaticProducer(peers, time.Millisecond, testLogger())

	events := make(chan Event, 8)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx, events)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
