// Package buffer implements the durable per-consumer receive buffer (C6):
// a bounded ordered log of inbound envelopes with per-consumer ack cursors.
// Grounded on the teacher's mutex + map-of-state idiom, generalized to an
// ordered slice with seq cursors per spec.md §4.6.
package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/axon-project/axond/internal/daemonerr"
	"github.com/axon-project/axond/internal/envelope"
)

// Entry is one buffered inbound envelope.
type Entry struct {
	Seq          uint64
	BufferedAtMs int64
	Envelope     *envelope.Envelope
	ByteSize     int
}

// ConsumerState tracks one named consumer's cursor.
type ConsumerState struct {
	AckedSeq            uint64
	HighestDeliveredSeq uint64
	LastUsedMs          int64
}

// Options configures the buffer's retention limits.
type Options struct {
	Capacity    int
	TTL         time.Duration
	ByteCap     int
	ConsumerCap int
}

// Buffer is the bounded ordered inbox plus its consumer cursor table.
type Buffer struct {
	mu sync.Mutex

	opts Options

	nextSeq uint64
	entries []Entry
	bytes   int

	consumers map[string]*ConsumerState
}

// New constructs an empty Buffer.
func New(opts Options) *Buffer {
	return &Buffer{opts: opts, nextSeq: 1, consumers: make(map[string]*ConsumerState)}
}

// Push assigns the next seq to env and appends it unless capacity is 0, in
// which case the seq is still assigned but nothing is stored (buffering
// disabled). Returns the assigned seq and buffered_at_ms.
func (b *Buffer) Push(env *envelope.Envelope) (seq uint64, bufferedAtMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq = b.nextSeq
	b.nextSeq++
	bufferedAtMs = time.Now().UnixMilli()

	if b.opts.Capacity == 0 {
		return seq, bufferedAtMs
	}

	data, _ := marshalSize(env)
	entry := Entry{Seq: seq, BufferedAtMs: bufferedAtMs, Envelope: env, ByteSize: data}

	b.evictExpiredLocked()
	b.entries = append(b.entries, entry)
	b.bytes += entry.ByteSize
	b.evictOverCapacityLocked()

	return seq, bufferedAtMs
}

func marshalSize(env *envelope.Envelope) (int, error) {
	// Approximate size accounting per spec.md §4.6 ("byte_size:
	// approximate serialized size"); payload length dominates and avoids
	// a full re-marshal on every push.
	return len(env.Payload) + 128, nil
}

func (b *Buffer) evictExpiredLocked() {
	if b.opts.TTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-b.opts.TTL).UnixMilli()
	i := 0
	for i < len(b.entries) && b.entries[i].BufferedAtMs < cutoff {
		b.bytes -= b.entries[i].ByteSize
		i++
	}
	if i > 0 {
		b.entries = b.entries[i:]
	}
}

func (b *Buffer) evictOverCapacityLocked() {
	for len(b.entries) > b.opts.Capacity || (b.opts.ByteCap > 0 && b.bytes > b.opts.ByteCap) {
		if len(b.entries) == 0 {
			break
		}
		b.bytes -= b.entries[0].ByteSize
		b.entries = b.entries[1:]
	}
}

func (b *Buffer) consumerLocked(name string) *ConsumerState {
	cs, ok := b.consumers[name]
	if !ok {
		b.evictLRUIfNeededLocked()
		cs = &ConsumerState{}
		b.consumers[name] = cs
	}
	cs.LastUsedMs = time.Now().UnixMilli()
	return cs
}

func (b *Buffer) evictLRUIfNeededLocked() {
	if b.opts.ConsumerCap <= 0 || len(b.consumers) < b.opts.ConsumerCap {
		return
	}
	type kv struct {
		name string
		last int64
	}
	all := make([]kv, 0, len(b.consumers))
	for name, cs := range b.consumers {
		all = append(all, kv{name, cs.LastUsedMs})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last < all[j].last })
	for i := 0; i < len(all)-b.opts.ConsumerCap+1; i++ {
		delete(b.consumers, all[i].name)
	}
}

// Fetch returns up to limit entries with seq > consumer.acked_seq, stopping
// (not skipping) at the first entry whose kind does not match kindsFilter.
// This preserves cursor safety: a consumer that only reads one kind must
// never be able to ack past a message of another kind it never saw.
func (b *Buffer) Fetch(consumer string, limit int, kindsFilter []envelope.Kind) (out []Entry, hasMore bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.consumerLocked(consumer)
	allowed := kindSet(kindsFilter)

	for _, e := range b.entries {
		if e.Seq <= cs.AckedSeq {
			continue
		}
		if allowed != nil && !allowed[e.Envelope.Kind] {
			hasMore = true
			break
		}
		if len(out) >= limit {
			hasMore = true
			break
		}
		out = append(out, e)
	}

	if len(out) > 0 {
		last := out[len(out)-1].Seq
		if last > cs.HighestDeliveredSeq {
			cs.HighestDeliveredSeq = last
		}
	}
	return out, hasMore
}

// ReplayMessages is Fetch bounded at replayToSeq inclusive, used by
// subscribe to deliver history synchronously.
func (b *Buffer) ReplayMessages(consumer string, replayToSeq uint64, kindsFilter []envelope.Kind) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.consumerLocked(consumer)
	allowed := kindSet(kindsFilter)

	var out []Entry
	for _, e := range b.entries {
		if e.Seq <= cs.AckedSeq || e.Seq > replayToSeq {
			continue
		}
		if allowed != nil && !allowed[e.Envelope.Kind] {
			break
		}
		out = append(out, e)
	}
	if len(out) > 0 {
		last := out[len(out)-1].Seq
		if last > cs.HighestDeliveredSeq {
			cs.HighestDeliveredSeq = last
		}
	}
	return out
}

// UpdateDeliveredSeq records that seq has been handed to consumer's socket
// (called by the fan-out layer outside of Fetch, e.g. for a pushed event).
func (b *Buffer) UpdateDeliveredSeq(consumer string, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := b.consumerLocked(consumer)
	if seq > cs.HighestDeliveredSeq {
		cs.HighestDeliveredSeq = seq
	}
}

// Ack sets acked_seq = upToSeq. Fails with ack_out_of_range if upToSeq
// exceeds the consumer's highest_delivered_seq.
func (b *Buffer) Ack(consumer string, upToSeq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.consumerLocked(consumer)
	if upToSeq > cs.HighestDeliveredSeq {
		return daemonerr.New(daemonerr.CodeAckOutOfRange, "ack exceeds highest delivered seq")
	}
	cs.AckedSeq = upToSeq
	return nil
}

// ConsumerSnapshot returns a copy of the named consumer's cursor state.
func (b *Buffer) ConsumerSnapshot(consumer string) ConsumerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := b.consumerLocked(consumer)
	return *cs
}

// Len returns the number of entries currently retained, for metrics.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// HighestSeq returns the seq of the most recently stored entry, or 0 if the
// buffer is empty. Used as the replay_to_seq bound for subscribe: it is the
// highest seq a replay can possibly need to cover, independent of any one
// consumer's delivery history.
func (b *Buffer) HighestSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[len(b.entries)-1].Seq
}

func kindSet(kinds []envelope.Kind) map[envelope.Kind]bool {
	if len(kinds) == 0 {
		return nil
	}
	m := make(map[envelope.Kind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}
