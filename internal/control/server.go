// Package control implements C7, the local control-socket IPC server:
// accept loop, peer-credential check, line-oriented JSON dispatch, and
// fan-out of inbound envelopes to subscribed clients. Grounded on the
// teacher's handler-registry dispatch shape (core/handshake/handshake.go's
// Handshaker interface) generalized here to a command-name-keyed table,
// per SPEC_FULL.md §3.
package control

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/axon-project/axond/internal/auth"
	"github.com/axon-project/axond/internal/buffer"
	"github.com/axon-project/axond/internal/envelope"
	"github.com/axon-project/axond/internal/identity"
	"github.com/axon-project/axond/internal/logger"
	"github.com/axon-project/axond/internal/metrics"
	"github.com/axon-project/axond/internal/peertable"
)

// Sender is the narrow transport surface the control server needs to send
// an outbound envelope and to wait for a peer's inbound connection when the
// peer is the initiator; satisfied by *transport.Endpoint in production and
// a fake in tests.
type Sender interface {
	Send(ctx context.Context, peerID envelope.AgentId, addr string, env *envelope.Envelope) (*envelope.Envelope, error)
	WaitForInbound(ctx context.Context, peerID envelope.AgentId) bool
}

// Options configures dispatch policy limits.
type Options struct {
	MaxClients       int
	ClientQueueDepth int
	AllowV1Mode      bool
	RequestTimeout   time.Duration
}

// Server is the control-socket listener plus the live client table.
type Server struct {
	opts Options

	id        *identity.Identity
	peers     *peertable.Table
	buf       *buffer.Buffer
	tokens    *auth.Tokens
	transport Sender
	log       logger.Logger

	startedAt time.Time

	listener *net.UnixListener
	path     string

	clientsMu sync.Mutex
	clients   map[*clientSession]struct{}

	sentMu  sync.Mutex
	sent    uint64
	recvMu  sync.Mutex
	recv    uint64
}

// New constructs a Server bound to socketPath, not yet listening.
func New(opts Options, socketPath string, id *identity.Identity, peers *peertable.Table, buf *buffer.Buffer, tokens *auth.Tokens, transport Sender, log logger.Logger) *Server {
	return &Server{
		opts:      opts,
		id:        id,
		peers:     peers,
		buf:       buf,
		tokens:    tokens,
		transport: transport,
		log:       log,
		startedAt: time.Now(),
		path:      socketPath,
		clients:   make(map[*clientSession]struct{}),
	}
}

// Listen binds the Unix-domain socket at 0600, removing a stale socket
// file left behind by an unclean prior shutdown.
func (s *Server) Listen() error {
	_ = os.Remove(s.path)

	addr, err := net.ResolveUnixAddr("unix", s.path)
	if err != nil {
		return err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound socket path.
func (s *Server) Addr() string { return s.path }

// Serve accepts connections until ctx is cancelled or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Close removes the socket file after the listener is shut down.
func (s *Server) Close() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	_ = os.Remove(s.path)
}

func (s *Server) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	s.clientsMu.Lock()
	if len(s.clients) >= s.opts.MaxClients {
		s.clientsMu.Unlock()
		s.log.Warn("control client rejected: max_control_clients reached")
		return
	}
	s.clientsMu.Unlock()

	peerAuthenticated := false
	if uid, ok := peerUID(conn); ok && uid == uint32(os.Getuid()) {
		peerAuthenticated = true
	}

	cs := newClientSession(conn, s.opts.ClientQueueDepth, s.opts.AllowV1Mode)
	cs.mu.Lock()
	cs.authenticated = peerAuthenticated
	cs.mu.Unlock()

	s.clientsMu.Lock()
	s.clients[cs] = struct{}{}
	metrics.ControlClients.Set(float64(len(s.clients)))
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, cs)
		metrics.ControlClients.Set(float64(len(s.clients)))
		s.clientsMu.Unlock()
		cs.close()
	}()

	go s.drainOutbox(cs)

	reader := bufio.NewReaderSize(conn, maxLineBytes+1)
	for {
		line, err := readLine(reader, maxLineBytes)
		if err != nil {
			if err == errLineTooLong {
				s.writeDirect(cs, newError("command_too_large", ""))
			}
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if shouldClose := s.dispatch(ctx, cs, line); shouldClose {
			return
		}
	}
}

func (s *Server) drainOutbox(cs *clientSession) {
	for {
		select {
		case line := <-cs.outbox:
			if err := cs.writeLine(line); err != nil {
				cs.close()
				return
			}
		case <-cs.closed:
			return
		}
	}
}

func (s *Server) writeDirect(cs *clientSession, v interface{}) {
	data, err := marshal(v)
	if err != nil {
		return
	}
	_ = cs.writeLine(data)
}

var errLineTooLong = &lineTooLongError{}

type lineTooLongError struct{}

func (*lineTooLongError) Error() string { return "control line exceeds 64KiB" }

// readLine reads one newline-delimited line, failing with errLineTooLong
// once more than maxLen bytes have been read without a terminator — the
// line protocol's framing cannot be resynchronised past that point, so the
// caller must close the connection rather than keep reading.
func readLine(r *bufio.Reader, maxLen int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		n := len(buf)
		if err == nil {
			n-- // the terminator does not count toward the limit
		}
		if n > maxLen {
			// Drain and discard the remainder of this oversize line so a
			// subsequent read doesn't pick up its tail, then report it.
			for err == bufio.ErrBufferFull {
				_, err = r.ReadSlice('\n')
			}
			return nil, errLineTooLong
		}
		if err == nil {
			return bytes.TrimRight(buf, "\r\n"), nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return nil, err
	}
}
