// Package peertable is the sole authority for peer membership and the TLS
// pinset (C2). Grounded on the teacher's mutex-guarded map +
// background-ticker idiom, generalized to the two-lock shape spec.md §4.2
// and §9 require: the pinset uses its own synchronous RWMutex because TLS
// verifier callbacks cannot suspend, and is updated inside the same
// critical section as every table mutation so it never drifts from the
// table (invariant I4).
package peertable

import (
	"sort"
	"sync"
	"time"

	"github.com/axon-project/axond/internal/envelope"
	"github.com/axon-project/axond/internal/logger"
)

// Source records where a PeerRecord's data originated.
type Source string

const (
	SourceStatic     Source = "static"
	SourceDiscovered Source = "discovered"
	SourceCached     Source = "cached"
)

// Status is the connection lifecycle state of a peer.
type Status string

const (
	StatusDiscovered  Status = "discovered"
	StatusConnecting  Status = "connecting"
	StatusConnected   Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Record is one entry in the peer table.
type Record struct {
	AgentID   envelope.AgentId
	Addr      string
	PubkeyB64 string
	Source    Source
	Status    Status
	RTTMillis *int64
	LastSeen  time.Time
}

func (r Record) clone() Record { return r }

// Table is the in-memory peer directory plus its TLS pinset projection.
type Table struct {
	log logger.Logger

	mu      sync.RWMutex
	records map[envelope.AgentId]Record

	// pinMu guards pinset independently of mu: TLS verifier callbacks read
	// it synchronously and must never block behind an unrelated table
	// write. Every mutation below takes pinMu inside the same critical
	// section as mu so the projection stays exact (I4).
	pinMu  sync.RWMutex
	pinset map[envelope.AgentId]string
}

// New constructs an empty Table.
func New(log logger.Logger) *Table {
	return &Table{
		log:     log,
		records: make(map[envelope.AgentId]Record),
		pinset:  make(map[envelope.AgentId]string),
	}
}

// Pinset returns a read-only accessor safe to call from a TLS verifier
// callback; it never blocks on the table lock.
func (t *Table) Pinset() *Pinset { return &Pinset{t: t} }

// Pinset is the synchronous, TLS-callback-safe pubkey lookup.
type Pinset struct{ t *Table }

// Lookup returns the pinned base64 pubkey for agentID, if present.
func (p *Pinset) Lookup(agentID envelope.AgentId) (string, bool) {
	p.t.pinMu.RLock()
	defer recoverPoison(p.t.log)
	defer p.t.pinMu.RUnlock()
	pk, ok := p.t.pinset[agentID]
	return pk, ok
}

// recoverPoison implements spec.md §9's "under lock poisoning the pinset is
// recovered" rule. Go's sync.RWMutex cannot be poisoned by a panicking
// holder the way a Rust std Mutex can, but a verifier callback must still
// never propagate a panic from this accessor into the TLS stack, so any
// panic during a pinset read is logged and swallowed here.
func recoverPoison(log logger.Logger) {
	if r := recover(); r != nil {
		if log != nil {
			log.Error("pinset accessor recovered from panic", logger.Any("panic", r))
		}
	}
}

func (t *Table) setPinLocked(id envelope.AgentId, pubkey string) {
	t.pinMu.Lock()
	defer t.pinMu.Unlock()
	t.pinset[id] = pubkey
}

func (t *Table) deletePinLocked(id envelope.AgentId) {
	t.pinMu.Lock()
	defer t.pinMu.Unlock()
	delete(t.pinset, id)
}

func (t *Table) addrOccupant(addr string) (Record, bool) {
	for _, r := range t.records {
		if r.Addr == addr {
			return r, true
		}
	}
	return Record{}, false
}

// UpsertStatic inserts or overwrites a Static record, evicting any
// non-static record at the same address regardless of who occupies it.
func (t *Table) UpsertStatic(id envelope.AgentId, addr, pubkeyB64 string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if occ, ok := t.addrOccupant(addr); ok && occ.AgentID != id {
		delete(t.records, occ.AgentID)
		t.deletePinLocked(occ.AgentID)
		t.log.Info("peer evicted by static upsert at shared address",
			logger.String("evicted_id", string(occ.AgentID)), logger.String("addr", addr))
	}

	t.records[id] = Record{
		AgentID:   id,
		Addr:      addr,
		PubkeyB64: pubkeyB64,
		Source:    SourceStatic,
		Status:    StatusDiscovered,
		LastSeen:  time.Now(),
	}
	t.setPinLocked(id, pubkeyB64)
}

// UpsertDiscovered inserts or refreshes a Discovered record. If a Static
// record already occupies addr under a different id, the call is rejected
// (logged at debug and dropped) rather than silently merged.
func (t *Table) UpsertDiscovered(id envelope.AgentId, addr, pubkeyB64 string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if occ, ok := t.addrOccupant(addr); ok && occ.AgentID != id && occ.Source == SourceStatic {
		t.log.Debug("discovered peer rejected: address held by a static peer",
			logger.String("id", string(id)), logger.String("addr", addr), logger.String("static_id", string(occ.AgentID)))
		return
	}

	if occ, ok := t.addrOccupant(addr); ok && occ.AgentID != id {
		delete(t.records, occ.AgentID)
		t.deletePinLocked(occ.AgentID)
		t.log.Info("peer evicted by discovered upsert at shared address",
			logger.String("evicted_id", string(occ.AgentID)), logger.String("addr", addr))
	}

	existing, ok := t.records[id]
	if ok && existing.Source == SourceStatic {
		existing.LastSeen = time.Now()
		t.records[id] = existing
		return
	}

	rec := Record{
		AgentID:   id,
		Addr:      addr,
		PubkeyB64: pubkeyB64,
		Source:    SourceDiscovered,
		Status:    StatusDiscovered,
		LastSeen:  time.Now(),
	}
	if ok {
		rec.Status = existing.Status
		rec.RTTMillis = existing.RTTMillis
	}
	t.records[id] = rec
	t.setPinLocked(id, pubkeyB64)
}

// UpsertCached behaves like UpsertDiscovered (same-address Static rejection
// and non-static eviction) but never overwrites an existing record's
// pubkey, matching spec.md §4.2.
func (t *Table) UpsertCached(id envelope.AgentId, addr, pubkeyB64 string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if occ, ok := t.addrOccupant(addr); ok && occ.AgentID != id && occ.Source == SourceStatic {
		t.log.Debug("cached peer rejected: address held by a static peer",
			logger.String("id", string(id)), logger.String("addr", addr), logger.String("static_id", string(occ.AgentID)))
		return
	}

	if occ, ok := t.addrOccupant(addr); ok && occ.AgentID != id {
		delete(t.records, occ.AgentID)
		t.deletePinLocked(occ.AgentID)
		t.log.Info("peer evicted by cached upsert at shared address",
			logger.String("evicted_id", string(occ.AgentID)), logger.String("addr", addr))
	}

	existing, ok := t.records[id]
	if ok {
		if existing.Source == SourceStatic {
			existing.LastSeen = time.Now()
			t.records[id] = existing
			return
		}
		existing.Addr = addr
		existing.LastSeen = time.Now()
		t.records[id] = existing
		return
	}

	t.records[id] = Record{
		AgentID:   id,
		Addr:      addr,
		PubkeyB64: pubkeyB64,
		Source:    SourceCached,
		Status:    StatusDiscovered,
		LastSeen:  time.Now(),
	}
	t.setPinLocked(id, pubkeyB64)
}

// SetStatus updates the connection status of id, if present.
func (t *Table) SetStatus(id envelope.AgentId, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok {
		r.Status = status
		t.records[id] = r
	}
}

// SetConnected marks id connected and records an optional RTT sample.
func (t *Table) SetConnected(id envelope.AgentId, rttMillis *int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok {
		r.Status = StatusConnected
		if rttMillis != nil {
			r.RTTMillis = rttMillis
		}
		r.LastSeen = time.Now()
		t.records[id] = r
	}
}

// SetDisconnected marks id disconnected.
func (t *Table) SetDisconnected(id envelope.AgentId) { t.SetStatus(id, StatusDisconnected) }

// SetRTT updates the RTT sample for id.
func (t *Table) SetRTT(id envelope.AgentId, rttMillis int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok {
		r.RTTMillis = &rttMillis
		t.records[id] = r
	}
}

// Touch refreshes last_seen for id.
func (t *Table) Touch(id envelope.AgentId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok {
		r.LastSeen = time.Now()
		t.records[id] = r
	}
}

// Remove deletes id from the table and pinset unconditionally.
func (t *Table) Remove(id envelope.AgentId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
	t.deletePinLocked(id)
}

// RemoveStale evicts Discovered records whose last_seen exceeds ttl and
// returns their ids, so the caller can propagate cleanup to the reconnect
// map and transport's connecting-locks.
func (t *Table) RemoveStale(ttl time.Duration) []envelope.AgentId {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var removed []envelope.AgentId
	for id, r := range t.records {
		if r.Source == SourceDiscovered && r.LastSeen.Before(cutoff) {
			delete(t.records, id)
			t.deletePinLocked(id)
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed
}

// Get returns a copy of the record for id.
func (t *Table) Get(id envelope.AgentId) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	return r.clone(), ok
}

// Snapshot returns a copy of every record, sorted by agent-id for
// deterministic iteration (e.g. the `peers` control command).
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// NonStatic returns every record whose source is not Static, for
// persistence to known_peers.json (spec.md §6: only non-static peers are
// snapshotted).
func (t *Table) NonStatic() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Record
	for _, r := range t.records {
		if r.Source != SourceStatic {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
