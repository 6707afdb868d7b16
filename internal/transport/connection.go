// Connection establishment: the initiator rule, per-peer double-checked
// locking to prevent duplicate sockets, and the outbound send path.
// Grounded on spec.md §4.4/§9's "double-checked lookup guarded by a
// per-peer async mutex stored in a map" description.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/axon-project/axond/internal/daemonerr"
	"github.com/axon-project/axond/internal/envelope"
)

// acceptHello derives the peer's agent-id from its TLS certificate (already
// authenticated and pin-checked by the server's VerifyPeerCertificate) and
// runs the responder side of the hello exchange on the first bidi stream.
func (e *Endpoint) acceptHello(ctx context.Context, conn quic.Connection) (envelope.AgentId, error) {
	peerID, err := peerAgentIDFromConnection(conn)
	if err != nil {
		return "", err
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return "", daemonerr.Wrap(daemonerr.CodeHandshakeFailed, "accept hello stream", err)
	}
	if err := runResponderHello(stream, peerID); err != nil {
		return "", err
	}
	return peerID, nil
}

func peerAgentIDFromConnection(conn quic.Connection) (envelope.AgentId, error) {
	state := conn.ConnectionState()
	if len(state.TLS.PeerCertificates) == 0 {
		return "", daemonerr.New(daemonerr.CodeHandshakeFailed, "connection has no peer certificate")
	}
	return agentIDFromLeaf(state.TLS.PeerCertificates[0])
}

// perPeerLock returns (creating if absent) the mutex guarding connect
// attempts to id, implementing the double-checked-locking pattern spec.md
// §4.4 describes.
func (e *Endpoint) perPeerLock(id envelope.AgentId) *sync.Mutex {
	e.connectingMu.Lock()
	defer e.connectingMu.Unlock()
	m, ok := e.connecting[id]
	if !ok {
		m = &sync.Mutex{}
		e.connecting[id] = m
	}
	return m
}

// GCConnectingLocks prunes per-peer mutex entries for ids no longer present
// in liveIDs, preventing unbounded growth from transient discovery churn
// (spec.md §9).
func (e *Endpoint) GCConnectingLocks(liveIDs map[envelope.AgentId]struct{}) {
	e.connectingMu.Lock()
	defer e.connectingMu.Unlock()
	for id, m := range e.connecting {
		if _, ok := liveIDs[id]; !ok && m.TryLock() {
			delete(e.connecting, id)
			m.Unlock()
		}
	}
}

// EnsureConnection returns an existing authenticated connection to peer, or
// establishes one. Fast path: already connected. Slow path: acquire the
// per-peer mutex, re-check, dial once, run the initiator hello, register.
func (e *Endpoint) EnsureConnection(ctx context.Context, peerID envelope.AgentId, addr string) (quic.Connection, error) {
	if conn, ok := e.existingConnection(peerID); ok {
		return conn, nil
	}

	lock := e.perPeerLock(peerID)
	lock.Lock()
	defer lock.Unlock()

	if conn, ok := e.existingConnection(peerID); ok {
		return conn, nil
	}

	tlsConf, err := clientTLSConfig(e.id, e.pins, peerID)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.opts.HandshakeTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, addr, tlsConf, e.quicConfig())
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeHandshakeFailed, "dial peer", err)
	}

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(0, "failed to open hello stream")
		return nil, daemonerr.Wrap(daemonerr.CodeHandshakeFailed, "open hello stream", err)
	}
	if err := runInitiatorHello(stream, e.id.AgentID()); err != nil {
		_ = conn.CloseWithError(0, "hello failed")
		return nil, err
	}

	e.registerConnection(peerID, conn)
	go e.serveStreams(ctx, peerID, conn)
	return conn, nil
}

func (e *Endpoint) existingConnection(id envelope.AgentId) (quic.Connection, bool) {
	e.connMu.RLock()
	defer e.connMu.RUnlock()
	conn, ok := e.conns[id]
	return conn, ok
}

// Send implements spec.md §4.4's outbound send: Request envelopes open a
// bidi stream and wait for the single correlated response under
// opts.RequestTimeout; Message envelopes fire on a uni stream.
func (e *Endpoint) Send(ctx context.Context, peerID envelope.AgentId, addr string, env *envelope.Envelope) (*envelope.Envelope, error) {
	conn, err := e.EnsureConnection(ctx, peerID, addr)
	if err != nil {
		return nil, err
	}

	if !env.Kind.ExpectsResponse() {
		stream, err := conn.OpenUniStreamSync(ctx)
		if err != nil {
			return nil, daemonerr.Wrap(daemonerr.CodePeerUnreachable, "open uni stream", err)
		}
		defer stream.Close()
		if err := writeFrame(stream, env); err != nil {
			return nil, err
		}
		return nil, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	stream, err := conn.OpenStreamSync(reqCtx)
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodePeerUnreachable, "open request stream", err)
	}
	defer stream.Close()
	if deadline, ok := reqCtx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}

	if err := writeFrame(stream, env); err != nil {
		return nil, err
	}
	resp, err := readFrame(stream)
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeTimeout, "await response", err)
	}
	if resp.RefID == nil || *resp.RefID != env.ID || !resp.Kind.IsResponse() {
		return nil, daemonerr.New(daemonerr.CodeMalformedEnvelope, "response does not correlate to request")
	}
	return resp, nil
}

// WaitForInbound implements the non-initiator side of the send-to-lower-id
// case: if we have no connection and the lower-id peer is the initiator,
// wait briefly for the peer to connect to us instead (spec.md §4.4/§9).
func (e *Endpoint) WaitForInbound(ctx context.Context, peerID envelope.AgentId) bool {
	waitCtx, cancel := context.WithTimeout(ctx, e.opts.InitiatorWait)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.Connected(peerID) {
			return true
		}
		select {
		case <-waitCtx.Done():
			return false
		case <-ticker.C:
		}
	}
}
