package control

import (
	"net"
	"sync"

	"github.com/axon-project/axond/internal/envelope"
)

// clientSession is the per-connection dispatch state. Every field here is
// only ever touched from the connection's own read loop except outbox,
// which the fan-out goroutine also writes to; mu guards the handful of
// fields fan-out reads concurrently.
type clientSession struct {
	conn net.Conn

	consumerID string // buffer consumer key: "default" unless hello names one

	mu                sync.Mutex
	helloSeen         bool
	negotiatedVersion int
	authenticated     bool
	subscribed        bool
	subscriptionKinds []envelope.Kind

	writeMu sync.Mutex // serializes writes onto conn

	outbox    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newClientSession(conn net.Conn, queueDepth int, allowV1Mode bool) *clientSession {
	cs := &clientSession{
		conn:       conn,
		consumerID: "default",
		outbox:     make(chan []byte, queueDepth),
		closed:     make(chan struct{}),
	}
	if allowV1Mode {
		// A client that never sends hello is treated as v1-legacy: no
		// req_id requirement, no hello gate, receives every broadcast.
		cs.negotiatedVersion = 1
	}
	return cs
}

func (cs *clientSession) isV2() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.helloSeen && cs.negotiatedVersion >= 2
}

func (cs *clientSession) matchesSubscription(kind envelope.Kind) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.subscribed {
		return false
	}
	if len(cs.subscriptionKinds) == 0 {
		return true
	}
	for _, k := range cs.subscriptionKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// enqueue attempts a non-blocking send to the client's outbound queue.
// Returns false if the queue is full, signalling the caller to evict this
// client rather than let a slow subscriber block fan-out.
func (cs *clientSession) enqueue(line []byte) bool {
	select {
	case cs.outbox <- line:
		return true
	default:
		return false
	}
}

func (cs *clientSession) close() {
	cs.closeOnce.Do(func() {
		close(cs.closed)
		_ = cs.conn.Close()
	})
}

func (cs *clientSession) writeLine(line []byte) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	if _, err := cs.conn.Write(line); err != nil {
		return err
	}
	_, err := cs.conn.Write([]byte("\n"))
	return err
}
