// Link-local discovery via mDNS: advertise the local identity and port,
// browse for the same service type, and translate entries into Discovered
// /Lost events. Adapted from other_examples' libp2p-mdns node's
// advertise+browse+notifee shape onto github.com/grandcat/zeroconf's
// Register/Browse API.
package discovery

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/axon-project/axond/internal/envelope"
	"github.com/axon-project/axond/internal/logger"
)

// staleAfter bounds how long a resolved peer is considered present once its
// mDNS advertisement stops being re-announced.
const staleAfter = 90 * time.Second

// MDNSProducer advertises this daemon and browses for peers of the same
// service type.
type MDNSProducer struct {
	serviceName string
	selfID      envelope.AgentId
	selfPubkey  string
	port        int
	log         logger.Logger
}

type seenPeer struct {
	addr     string
	lastSeen time.Time
}

// NewMDNSProducer constructs a producer for serviceName (e.g. "_axon._udp").
func NewMDNSProducer(serviceName string, selfID envelope.AgentId, selfPubkey string, port int, log logger.Logger) *MDNSProducer {
	return &MDNSProducer{serviceName: serviceName, selfID: selfID, selfPubkey: selfPubkey, port: port, log: log}
}

// Run registers the service advertisement and browses for peers until ctx
// is cancelled, emitting Discovered for each newly resolved non-self
// service and Lost once a previously seen peer's advertisement has not
// refreshed within staleAfter.
func (m *MDNSProducer) Run(ctx context.Context, events chan<- Event) {
	txt := []string{"agent_id=" + string(m.selfID), "pubkey=" + m.selfPubkey}
	server, err := zeroconf.Register(string(m.selfID), m.serviceName, "local.", m.port, txt, nil)
	if err != nil {
		m.log.Warn("mdns advertise failed", logger.Error(err))
		return
	}
	defer server.Shutdown()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		m.log.Warn("mdns resolver init failed", logger.Error(err))
		return
	}

	entries := make(chan *zeroconf.ServiceEntry)
	seen := make(map[envelope.AgentId]*seenPeer)
	var mu sync.Mutex

	go func() {
		for entry := range entries {
			m.handleEntry(entry, events, seen, &mu)
		}
	}()

	if err := resolver.Browse(ctx, m.serviceName, "local.", entries); err != nil {
		m.log.Warn("mdns browse failed", logger.Error(err))
		return
	}

	sweep := time.NewTicker(staleAfter / 3)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			m.sweepStale(events, seen, &mu)
		}
	}
}

func (m *MDNSProducer) handleEntry(entry *zeroconf.ServiceEntry, events chan<- Event, seen map[envelope.AgentId]*seenPeer, mu *sync.Mutex) {
	id, pubkey := parseTXT(entry.Text)
	if id == "" || id == m.selfID {
		return
	}
	if len(entry.AddrIPv4) == 0 {
		return
	}

	addr := entry.AddrIPv4[0].String() + ":" + strconv.Itoa(entry.Port)

	mu.Lock()
	seen[id] = &seenPeer{addr: addr, lastSeen: time.Now()}
	mu.Unlock()

	events <- Event{Kind: Discovered, ID: id, Addr: addr, Pubkey: pubkey}
}

func (m *MDNSProducer) sweepStale(events chan<- Event, seen map[envelope.AgentId]*seenPeer, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()
	for id, sp := range seen {
		if now.Sub(sp.lastSeen) > staleAfter {
			delete(seen, id)
			events <- Event{Kind: Lost, ID: id, Addr: sp.addr}
		}
	}
}

func parseTXT(fields []string) (envelope.AgentId, string) {
	var id envelope.AgentId
	var pubkey string
	for _, f := range fields {
		if v, ok := strings.CutPrefix(f, "agent_id="); ok {
			id = envelope.AgentId(v)
		}
		if v, ok := strings.CutPrefix(f, "pubkey="); ok {
			pubkey = v
		}
	}
	return id, pubkey
}
