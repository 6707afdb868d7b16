// The reconnect scheduler (part of C8): for every peer where the local
// agent-id is lexicographically lower, attempt an outbound connection on
// a backoff schedule, doubling on failure up to a configurable maximum.
// Grounded on spec.md §4.8's reconnect_tick and §4's note that the
// original daemon/mod.rs seeds a freshly-eligible peer for an immediate
// attempt rather than waiting out a full backoff period first.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/axon-project/axond/internal/envelope"
	"github.com/axon-project/axond/internal/logger"
	"github.com/axon-project/axond/internal/metrics"
	"github.com/axon-project/axond/internal/peertable"
	"github.com/axon-project/axond/internal/transport"
)

type reconnectState struct {
	nextAttemptAt time.Time
	backoff       time.Duration
}

// Reconnector owns the per-peer backoff schedule driving C8's
// reconnect_tick timer.
type Reconnector struct {
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu       sync.Mutex
	states   map[envelope.AgentId]*reconnectState
	inFlight map[envelope.AgentId]bool
}

// NewReconnector constructs a scheduler with the given backoff bounds.
func NewReconnector(initial, max time.Duration) *Reconnector {
	return &Reconnector{
		initialBackoff: initial,
		maxBackoff:     max,
		states:         make(map[envelope.AgentId]*reconnectState),
		inFlight:       make(map[envelope.AgentId]bool),
	}
}

// Tick runs one reconnect_tick pass: for every peer we are the initiator
// for and are not already connected to, ensure a schedule entry exists
// (seeded for immediate attempt), then fire any attempt whose
// next_attempt_at has elapsed. Attempts run in their own goroutine so a
// single slow dial never stalls the once-per-second ticker.
func (r *Reconnector) Tick(ctx context.Context, selfID envelope.AgentId, peers *peertable.Table, ep *transport.Endpoint, log logger.Logger) {
	now := time.Now()
	snapshot := peers.Snapshot()

	eligible := make(map[envelope.AgentId]peertable.Record, len(snapshot))
	for _, rec := range snapshot {
		if !selfID.Less(rec.AgentID) {
			continue
		}
		if rec.Status == peertable.StatusConnected && ep.Connected(rec.AgentID) {
			continue
		}
		eligible[rec.AgentID] = rec
	}

	r.mu.Lock()
	for id := range eligible {
		if _, ok := r.states[id]; !ok {
			r.states[id] = &reconnectState{nextAttemptAt: now, backoff: r.initialBackoff}
		}
	}
	for id := range r.states {
		if _, ok := eligible[id]; !ok {
			delete(r.states, id)
		}
	}
	var due []envelope.AgentId
	for id, st := range r.states {
		if !st.nextAttemptAt.After(now) && !r.inFlight[id] {
			due = append(due, id)
			r.inFlight[id] = true
		}
	}
	r.mu.Unlock()

	for _, id := range due {
		rec := eligible[id]
		go r.attempt(ctx, id, rec.Addr, peers, ep, log)
	}
}

func (r *Reconnector) attempt(ctx context.Context, id envelope.AgentId, addr string, peers *peertable.Table, ep *transport.Endpoint, log logger.Logger) {
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, id)
		r.mu.Unlock()
	}()

	peers.SetStatus(id, peertable.StatusConnecting)
	metrics.ReconnectAttempts.Inc()

	start := time.Now()
	_, err := ep.EnsureConnection(ctx, id, addr)
	if err != nil {
		log.Warn("reconnect attempt failed", logger.String("peer", string(id)), logger.Error(err))
		peers.SetDisconnected(id)
		r.backOff(id)
		return
	}

	rtt := time.Since(start).Milliseconds()
	peers.SetConnected(id, &rtt)
	r.mu.Lock()
	delete(r.states, id)
	r.mu.Unlock()
}

func (r *Reconnector) backOff(id envelope.AgentId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		st = &reconnectState{backoff: r.initialBackoff}
		r.states[id] = st
	}
	st.backoff *= 2
	if st.backoff > r.maxBackoff {
		st.backoff = r.maxBackoff
	}
	st.nextAttemptAt = time.Now().Add(st.backoff)
}
