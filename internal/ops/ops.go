// Package ops is the daemon's optional operator-facing HTTP surface: a
// Prometheus scrape endpoint and a read-only websocket mirror of the
// inbound fan-out, both gated by a bearer JWT signed with the daemon's own
// identity key. This is additive to spec.md — entirely outside the
// control-socket protocol spec.md §4.7/§6 defines — and disabled by
// default (spec.md §1 scopes message semantics and external surfaces out
// of the core; this is ambient operability, not a protocol feature).
//
// Grounded on the teacher's golang-jwt-based session authentication for
// the bearer-token shape and pkg/agent/transport/websocket/client.go for
// the gorilla/websocket read loop this mirrors in the opposite direction
// (server push instead of client dial).
package ops

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/axon-project/axond/internal/envelope"
	"github.com/axon-project/axond/internal/identity"
	"github.com/axon-project/axond/internal/logger"
	"github.com/axon-project/axond/internal/metrics"
)

const tokenTTL = 10 * 365 * 24 * time.Hour // long-lived: a local operator credential, not a user session

type claims struct {
	jwt.RegisteredClaims
}

// Server is the ops HTTP endpoint: /ops/metrics (Prometheus) and
// /ops/stream (websocket mirror of inbound traffic).
type Server struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	addr string
	log  logger.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte

	upgrader websocket.Upgrader
	srv      *http.Server
}

// New constructs an ops Server signing and verifying bearer tokens with
// id's own Ed25519 key, so no separate credential needs to be provisioned.
func New(id *identity.Identity, addr string, log logger.Logger) *Server {
	return &Server{
		priv:    id.Signer(),
		pub:     id.PublicKey(),
		addr:    addr,
		log:     log,
		clients: make(map[*websocket.Conn]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// MintToken issues a bearer JWT an operator tool can use against this
// daemon's ops endpoint, signed with the daemon's own identity key.
func (s *Server) MintToken() (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})
	return tok.SignedString(s.priv)
}

func (s *Server) verify(tokenStr string) error {
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil || !parsed.Valid {
		return errors.New("invalid or expired ops token")
	}
	return nil
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := s.verify(header[len(prefix):]); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Serve runs the ops HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/ops/metrics", s.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		metrics.Handler().ServeHTTP(w, r)
	}))
	mux.HandleFunc("/ops/stream", s.authMiddleware(s.handleStream))

	s.srv = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	s.log.Info("ops endpoint listening", logger.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	outbox := make(chan []byte, 256)
	s.mu.Lock()
	s.clients[conn] = outbox
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for line := range outbox {
		if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
			return
		}
	}
}

type streamEvent struct {
	Seq          uint64             `json:"seq"`
	BufferedAtMs int64              `json:"buffered_at_ms"`
	Envelope     *envelope.Envelope `json:"envelope"`
}

// Broadcast mirrors one inbound envelope to every connected websocket
// client, best-effort: a client whose queue is full is dropped rather than
// allowed to slow down the daemon's own inbound pipeline.
func (s *Server) Broadcast(env *envelope.Envelope, seq uint64, bufferedAtMs int64) {
	s.mu.Lock()
	if len(s.clients) == 0 {
		s.mu.Unlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	outboxes := s.clients
	s.mu.Unlock()

	data, err := json.Marshal(streamEvent{Seq: seq, BufferedAtMs: bufferedAtMs, Envelope: env})
	if err != nil {
		return
	}

	for _, c := range conns {
		select {
		case outboxes[c] <- data:
		default:
			s.mu.Lock()
			delete(outboxes, c)
			s.mu.Unlock()
			c.Close()
		}
	}
}
