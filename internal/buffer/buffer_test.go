package buffer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axon-project/axond/internal/envelope"
)

func msg(kind envelope.Kind) *envelope.Envelope {
	return envelope.New(kind, json.RawMessage(`{}`))
}

func TestPushAssignsStrictlyIncreasingSeq(t *testing.T) {
	b := New(Options{Capacity: 10, ConsumerCap: 8})
	seq1, _ := b.Push(msg(envelope.KindMessage))
	seq2, _ := b.Push(msg(envelope.KindMessage))
	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)
}

func TestPushWithZeroCapacityStillAssignsSeq(t *testing.T) {
	b := New(Options{Capacity: 0})
	seq1, _ := b.Push(msg(envelope.KindMessage))
	seq2, _ := b.Push(msg(envelope.KindMessage))
	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)
	assert.Equal(t, 0, b.Len())
}

func TestCapacityEvictsOldestExactlyOne(t *testing.T) {
	b := New(Options{Capacity: 3, ConsumerCap: 8})
	for i := 0; i < 4; i++ {
		b.Push(msg(envelope.KindMessage))
	}
	entries, _ := b.Fetch("c", 10, nil)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(2), entries[0].Seq)
}

func TestFetchStopsAtFirstNonMatchingKind(t *testing.T) {
	b := New(Options{Capacity: 10, ConsumerCap: 8})
	b.Push(msg(envelope.KindRequest))
	b.Push(msg(envelope.KindMessage))
	b.Push(msg(envelope.KindRequest))

	entries, hasMore := b.Fetch("c", 10, []envelope.Kind{envelope.KindRequest})
	require.Len(t, entries, 1)
	assert.True(t, hasMore)
	assert.Equal(t, uint64(1), entries[0].Seq)
}

func TestAckIdempotent(t *testing.T) {
	b := New(Options{Capacity: 10, ConsumerCap: 8})
	b.Push(msg(envelope.KindMessage))
	b.Push(msg(envelope.KindMessage))
	_, _ = b.Fetch("c", 10, nil)

	require.NoError(t, b.Ack("c", 2))
	require.NoError(t, b.Ack("c", 2))
	assert.Equal(t, uint64(2), b.ConsumerSnapshot("c").AckedSeq)
}

func TestAckOutOfRange(t *testing.T) {
	b := New(Options{Capacity: 10, ConsumerCap: 8})
	b.Push(msg(envelope.KindMessage))
	_, _ = b.Fetch("c", 10, nil)

	err := b.Ack("c", 5)
	assert.Error(t, err)
}

func TestAckDoesNotRemoveEntries(t *testing.T) {
	b := New(Options{Capacity: 10, ConsumerCap: 8})
	b.Push(msg(envelope.KindMessage))
	_, _ = b.Fetch("c", 10, nil)
	require.NoError(t, b.Ack("c", 1))
	assert.Equal(t, 1, b.Len())
}

func TestConsumerLRUEviction(t *testing.T) {
	b := New(Options{Capacity: 10, ConsumerCap: 2})
	b.Push(msg(envelope.KindMessage))
	b.Fetch("a", 10, nil)
	time.Sleep(time.Millisecond)
	b.Fetch("b", 10, nil)
	time.Sleep(time.Millisecond)
	b.Fetch("c", 10, nil)

	entries, _ := b.Fetch("a", 10, nil)
	assert.Len(t, entries, 1, "consumer a was evicted so its cursor restarts at acked_seq=0")
}

func TestReplayMessagesBoundedAtReplayToSeq(t *testing.T) {
	b := New(Options{Capacity: 10, ConsumerCap: 8})
	b.Push(msg(envelope.KindRequest))
	b.Push(msg(envelope.KindMessage))

	out := b.ReplayMessages("c", 2, []envelope.Kind{envelope.KindRequest})
	require.Len(t, out, 1)
	assert.Equal(t, uint64(1), out[0].Seq)
}

func TestHighestSeqIndependentOfConsumerDelivery(t *testing.T) {
	b := New(Options{Capacity: 10, ConsumerCap: 8})
	assert.Equal(t, uint64(0), b.HighestSeq(), "empty buffer has no highest seq")

	b.Push(msg(envelope.KindRequest))
	b.Push(msg(envelope.KindMessage))

	// A freshly-seen consumer has delivered nothing yet, but HighestSeq
	// still reports the buffer's back entry so subscribe's replay_to_seq
	// covers everything currently retained.
	assert.Equal(t, uint64(2), b.HighestSeq())
	assert.Equal(t, uint64(0), b.ConsumerSnapshot("fresh").HighestDeliveredSeq)
}
