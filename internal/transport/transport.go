// Package transport is AXON's hardest subsystem (C4): a single QUIC
// endpoint acting as both server and client, mutually authenticated via
// the identity certificate and the pin-based verifier in tls.go, with
// at-most-one-connection-per-agent deduplication, the initiator rule, the
// hello handshake, and length-prefixed request/response streams.
//
// Grounded on the teleport QUIC peer server/client pair for the
// listen/accept/stream-handling shape, and on the teacher's
// pendingResponses-style correlation map (here: one response per bidi
// stream instead of a shared connection's callback map, since QUIC gives
// every request its own stream).
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/semaphore"

	"github.com/axon-project/axond/internal/daemonerr"
	"github.com/axon-project/axond/internal/envelope"
	"github.com/axon-project/axond/internal/identity"
	"github.com/axon-project/axond/internal/logger"
	"github.com/axon-project/axond/internal/peertable"
)

// Options configures the endpoint's transport parameters (spec.md §4.4,
// all configurable with the stated defaults).
type Options struct {
	ListenAddr       string
	KeepAlive        time.Duration
	IdleTimeout      time.Duration
	MaxBidiStreams   int64
	MaxUniStreams    int64
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	InitiatorWait    time.Duration // wait for the lower-id peer's inbound connection
	MaxInboundConns  int64         // concurrent inbound connections admitted past accept, 0 = unbounded
}

// DefaultOptions mirrors spec.md's named defaults.
func DefaultOptions() Options {
	return Options{
		ListenAddr:       "0.0.0.0:0",
		KeepAlive:        15 * time.Second,
		IdleTimeout:      60 * time.Second,
		MaxBidiStreams:   8,
		MaxUniStreams:    16,
		HandshakeTimeout: 5 * time.Second,
		RequestTimeout:   30 * time.Second,
		InitiatorWait:    2 * time.Second,
		MaxInboundConns:  128,
	}
}

// InboundHandler processes a validated inbound Envelope once it has
// cleared the hello/auth gate. For Request envelopes it must return the
// response payload; for Message envelopes the returned envelope is nil.
type InboundHandler func(ctx context.Context, peer envelope.AgentId, env *envelope.Envelope) (*envelope.Envelope, error)

// Endpoint is the daemon's single QUIC listener-and-dialer.
type Endpoint struct {
	opts Options
	id   *identity.Identity
	pins *peertable.Pinset
	log  logger.Logger

	onInbound InboundHandler
	onHello   func(peer envelope.AgentId)

	listener *quic.Listener

	connMu sync.RWMutex
	conns  map[envelope.AgentId]quic.Connection

	connectingMu sync.Mutex
	connecting   map[envelope.AgentId]*sync.Mutex

	inboundSem *semaphore.Weighted

	closing chan struct{}
	closeOnce sync.Once
}

// New constructs an Endpoint bound to opts.ListenAddr but does not yet
// listen; call Serve to start accepting.
func New(opts Options, id *identity.Identity, pins *peertable.Pinset, log logger.Logger, onInbound InboundHandler, onHello func(envelope.AgentId)) *Endpoint {
	var sem *semaphore.Weighted
	if opts.MaxInboundConns > 0 {
		sem = semaphore.NewWeighted(opts.MaxInboundConns)
	}
	return &Endpoint{
		opts:       opts,
		id:         id,
		pins:       pins,
		log:        log,
		onInbound:  onInbound,
		onHello:    onHello,
		conns:      make(map[envelope.AgentId]quic.Connection),
		connecting: make(map[envelope.AgentId]*sync.Mutex),
		inboundSem: sem,
		closing:    make(chan struct{}),
	}
}

func (e *Endpoint) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        e.opts.IdleTimeout,
		KeepAlivePeriod:       e.opts.KeepAlive,
		MaxIncomingStreams:    e.opts.MaxBidiStreams,
		MaxIncomingUniStreams: e.opts.MaxUniStreams,
		Allow0RTT:             false,
	}
}

// Serve binds the QUIC listener and runs the accept loop until ctx is
// cancelled. A separate server-side TLS config is used because the
// verifier needs the pinset, not a CA, as its trust source.
func (e *Endpoint) Serve(ctx context.Context) error {
	tlsConf, err := serverTLSConfig(e.id, e.pins)
	if err != nil {
		return err
	}

	ln, err := quic.ListenAddr(e.opts.ListenAddr, tlsConf, e.quicConfig())
	if err != nil {
		return daemonerr.Wrap(daemonerr.CodeBindFailed, "bind quic listener", err)
	}
	e.listener = ln
	e.log.Info("transport listening", logger.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			e.log.Warn("accept failed", logger.Error(err))
			continue
		}
		if e.inboundSem != nil && !e.inboundSem.TryAcquire(1) {
			e.log.Warn("inbound connection rejected: max_inbound_connections reached")
			_ = conn.CloseWithError(0, "too many inbound connections")
			continue
		}
		go func() {
			defer func() {
				if e.inboundSem != nil {
					e.inboundSem.Release(1)
				}
			}()
			e.handleInboundConnection(ctx, conn)
		}()
	}
}

// Addr returns the bound local address, valid after Serve has started.
func (e *Endpoint) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

func (e *Endpoint) handleInboundConnection(ctx context.Context, conn quic.Connection) {
	helloCtx, cancel := context.WithTimeout(ctx, e.opts.HandshakeTimeout)
	defer cancel()

	peerID, err := e.acceptHello(helloCtx, conn)
	if err != nil {
		e.log.Warn("inbound hello failed, closing connection", logger.Error(err))
		_ = conn.CloseWithError(0, "hello failed")
		return
	}

	e.registerConnection(peerID, conn)
	if e.onHello != nil {
		e.onHello(peerID)
	}
	e.serveStreams(ctx, peerID, conn)
}

func (e *Endpoint) registerConnection(peerID envelope.AgentId, conn quic.Connection) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if old, ok := e.conns[peerID]; ok && old != conn {
		_ = old.CloseWithError(0, "superseded by new connection")
	}
	e.conns[peerID] = conn
}

// serveStreams answers every subsequent bidi/uni stream on an
// already-authenticated connection until it closes.
func (e *Endpoint) serveStreams(ctx context.Context, peerID envelope.AgentId, conn quic.Connection) {
	go func() {
		for {
			stream, err := conn.AcceptUniStream(ctx)
			if err != nil {
				return
			}
			go e.handleUniStream(ctx, peerID, stream)
		}
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			e.markDisconnected(peerID)
			return
		}
		go e.handleBidiStream(ctx, peerID, stream)
	}
}

func (e *Endpoint) markDisconnected(peerID envelope.AgentId) {
	e.connMu.Lock()
	delete(e.conns, peerID)
	e.connMu.Unlock()
}

func (e *Endpoint) handleUniStream(ctx context.Context, peerID envelope.AgentId, stream quic.ReceiveStream) {
	env, err := readFrame(stream)
	if err != nil {
		e.log.Debug("dropped malformed uni frame", logger.Error(err), logger.String("peer", string(peerID)))
		return
	}
	if env.Kind == envelope.KindUnknown {
		e.log.Debug("dropped uni frame with unknown kind", logger.String("peer", string(peerID)))
		return
	}
	if e.onInbound != nil {
		_, _ = e.onInbound(ctx, peerID, env)
	}
}

func (e *Endpoint) handleBidiStream(ctx context.Context, peerID envelope.AgentId, stream quic.Stream) {
	defer stream.Close()

	env, err := readFrame(stream)
	if err != nil {
		e.log.Debug("malformed bidi frame", logger.Error(err), logger.String("peer", string(peerID)))
		return
	}

	if env.Kind == envelope.KindUnknown {
		reply := envelope.Reply(env, envelope.KindError, errorPayload(daemonerr.CodeUnknownKind, "unrecognised kind"))
		_ = writeFrame(stream, reply)
		return
	}
	if env.Kind.IsResponse() {
		// A Response/Error on a fresh stream (not an answer) is dropped.
		return
	}

	if e.onInbound == nil {
		return
	}
	resp, err := e.onInbound(ctx, peerID, env)
	if err != nil {
		reply := envelope.Reply(env, envelope.KindError, errorPayload(daemonerr.CodeOf(err), err.Error()))
		_ = writeFrame(stream, reply)
		return
	}
	if resp != nil {
		_ = writeFrame(stream, resp)
	}
}

// Close shuts down every tracked connection. Idempotent, per spec.md
// §4.4's close-all requirement.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closing) })

	e.connMu.Lock()
	conns := make([]quic.Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.conns = make(map[envelope.AgentId]quic.Connection)
	e.connMu.Unlock()

	for _, c := range conns {
		_ = c.CloseWithError(0, "daemon shutting down")
	}
	if e.listener != nil {
		return e.listener.Close()
	}
	return nil
}

// Connected reports whether there is a live connection for id.
func (e *Endpoint) Connected(id envelope.AgentId) bool {
	e.connMu.RLock()
	defer e.connMu.RUnlock()
	_, ok := e.conns[id]
	return ok
}

func errorPayload(code daemonerr.Code, msg string) []byte {
	return []byte(fmt.Sprintf(`{"code":%q,"message":%q}`, code, msg))
}
