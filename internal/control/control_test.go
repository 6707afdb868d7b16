package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/axon-project/axond/internal/auth"
	"github.com/axon-project/axond/internal/buffer"
	"github.com/axon-project/axond/internal/envelope"
	"github.com/axon-project/axond/internal/identity"
	"github.com/axon-project/axond/internal/logger"
	"github.com/axon-project/axond/internal/peertable"
)

type fakeSender struct {
	response *envelope.Envelope
	err      error
}

func (f *fakeSender) Send(ctx context.Context, peerID envelope.AgentId, addr string, env *envelope.Envelope) (*envelope.Envelope, error) {
	return f.response, f.err
}

func (f *fakeSender) WaitForInbound(ctx context.Context, peerID envelope.AgentId) bool { return true }

type testHarness struct {
	srv    *Server
	id     *identity.Identity
	peers  *peertable.Table
	buf    *buffer.Buffer
	tokens *auth.Tokens
	sender *fakeSender
}

func newHarness(t *testing.T, opts Options) *testHarness {
	t.Helper()
	root := t.TempDir()

	id, err := identity.LoadOrCreate(root)
	require.NoError(t, err)

	log := logger.NewLogger(&bytes.Buffer{}, logger.DebugLevel)
	peers := peertable.New(log)
	buf := buffer.New(buffer.Options{Capacity: 100, ConsumerCap: 64})
	tokens, err := auth.LoadOrGenerate(filepath.Join(root, "ipc-token"))
	require.NoError(t, err)
	sender := &fakeSender{}

	srv := New(opts, filepath.Join(root, "axon.sock"), id, peers, buf, tokens, sender, log)
	require.NoError(t, srv.Listen())

	return &testHarness{srv: srv, id: id, peers: peers, buf: buf, tokens: tokens, sender: sender}
}

func (h *testHarness) serve(ctx context.Context) {
	go h.srv.Serve(ctx)
}

func dialClient(t *testing.T, path string) (net.Conn, *bufio.Reader) {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", path)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	return conn, bufio.NewReader(conn)
}

func sendLine(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func readLineFrom(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	conn := r
	line, err := conn.ReadString('\n')
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	return m
}

func defaultOpts() Options {
	return Options{MaxClients: 64, ClientQueueDepth: 16, AllowV1Mode: true, RequestTimeout: time.Second}
}

func TestHelloAndWhoami(t *testing.T) {
	h := newHarness(t, defaultOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.serve(ctx)
	defer h.srv.Close()

	conn, r := dialClient(t, h.srv.Addr())
	defer conn.Close()

	sendLine(t, conn, map[string]interface{}{"cmd": "hello", "version": 2, "req_id": "r1"})
	resp := readLineFrom(t, r)
	require.Equal(t, true, resp["ok"])
	require.Equal(t, float64(2), resp["version"])

	sendLine(t, conn, map[string]interface{}{"cmd": "whoami", "req_id": "r2"})
	resp = readLineFrom(t, r)
	require.Equal(t, true, resp["ok"])
	require.Equal(t, string(h.id.AgentID()), resp["agent_id"])
}

func TestV2CommandWithoutHelloRejected(t *testing.T) {
	h := newHarness(t, defaultOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.serve(ctx)
	defer h.srv.Close()

	conn, r := dialClient(t, h.srv.Addr())
	defer conn.Close()

	sendLine(t, conn, map[string]interface{}{"cmd": "whoami"})
	resp := readLineFrom(t, r)
	require.Equal(t, false, resp["ok"])
	require.Equal(t, "hello_required", resp["error"])
}

func TestV2CommandWithoutReqIDRejected(t *testing.T) {
	h := newHarness(t, defaultOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.serve(ctx)
	defer h.srv.Close()

	conn, r := dialClient(t, h.srv.Addr())
	defer conn.Close()

	sendLine(t, conn, map[string]interface{}{"cmd": "hello", "version": 2, "req_id": "r1"})
	readLineFrom(t, r)

	sendLine(t, conn, map[string]interface{}{"cmd": "whoami"})
	resp := readLineFrom(t, r)
	require.Equal(t, false, resp["ok"])
	require.Equal(t, "invalid_command", resp["error"])
}

func TestAuthTokenFlow(t *testing.T) {
	h := newHarness(t, defaultOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.serve(ctx)
	defer h.srv.Close()

	conn, r := dialClient(t, h.srv.Addr())
	defer conn.Close()

	sendLine(t, conn, map[string]interface{}{"cmd": "auth", "token": "wrong-token-wrong-token-wrong-token-wrong-token-wrong-token-wr", "req_id": "a1"})
	resp := readLineFrom(t, r)
	require.Equal(t, false, resp["ok"])
	require.Equal(t, "auth_failed", resp["error"])

	sendLine(t, conn, map[string]interface{}{"cmd": "auth", "token": h.tokens.Current(), "req_id": "a2"})
	resp = readLineFrom(t, r)
	require.Equal(t, true, resp["ok"])
	require.Equal(t, "accepted", resp["auth"])
}

func TestPeersAndStatus(t *testing.T) {
	h := newHarness(t, defaultOpts())
	h.peers.UpsertStatic("ed25519.aaaa", "127.0.0.1:9001", "aaaa==")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.serve(ctx)
	defer h.srv.Close()

	conn, r := dialClient(t, h.srv.Addr())
	defer conn.Close()

	sendLine(t, conn, map[string]interface{}{"cmd": "peers", "req_id": "p1"})
	resp := readLineFrom(t, r)
	require.Equal(t, true, resp["ok"])
	peers := resp["peers"].([]interface{})
	require.Len(t, peers, 1)

	sendLine(t, conn, map[string]interface{}{"cmd": "status", "req_id": "s1"})
	resp = readLineFrom(t, r)
	require.Equal(t, true, resp["ok"])
}

func TestSendUnknownPeerReturnsNotFound(t *testing.T) {
	h := newHarness(t, defaultOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.serve(ctx)
	defer h.srv.Close()

	conn, r := dialClient(t, h.srv.Addr())
	defer conn.Close()

	sendLine(t, conn, map[string]interface{}{"cmd": "send", "to": "ed25519.zzzz", "kind": "message", "payload": map[string]string{"x": "y"}, "req_id": "s1"})
	resp := readLineFrom(t, r)
	require.Equal(t, false, resp["ok"])
	require.Equal(t, "peer_not_found", resp["error"])
}

func TestSubscribeAndFanOut(t *testing.T) {
	h := newHarness(t, defaultOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.serve(ctx)
	defer h.srv.Close()

	conn, r := dialClient(t, h.srv.Addr())
	defer conn.Close()

	sendLine(t, conn, map[string]interface{}{"cmd": "hello", "version": 2, "req_id": "h1"})
	readLineFrom(t, r)

	sendLine(t, conn, map[string]interface{}{"cmd": "subscribe", "replay": false, "req_id": "sub1"})
	resp := readLineFrom(t, r)
	require.Equal(t, true, resp["ok"])
	require.Equal(t, true, resp["subscribed"])

	env := envelope.New(envelope.KindMessage, json.RawMessage(`{"hi":1}`))
	seq, bufferedAt := h.buf.Push(env)
	h.srv.PublishInbound(env, seq, bufferedAt)

	pushed := readLineFrom(t, r)
	require.Equal(t, "inbound", pushed["event"])
	require.Equal(t, float64(seq), pushed["seq"])
}

func TestSubscribeReplayCoversBufferedHistory(t *testing.T) {
	h := newHarness(t, defaultOpts())

	reqEnv := envelope.New(envelope.KindRequest, json.RawMessage(`{}`))
	h.buf.Push(reqEnv)
	msgEnv := envelope.New(envelope.KindMessage, json.RawMessage(`{}`))
	h.buf.Push(msgEnv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.serve(ctx)
	defer h.srv.Close()

	conn, r := dialClient(t, h.srv.Addr())
	defer conn.Close()

	sendLine(t, conn, map[string]interface{}{"cmd": "hello", "version": 2, "req_id": "h1"})
	readLineFrom(t, r)

	sendLine(t, conn, map[string]interface{}{"cmd": "subscribe", "replay": true, "kinds": []string{"request"}, "req_id": "sub1"})
	resp := readLineFrom(t, r)
	require.Equal(t, true, resp["ok"])
	require.Equal(t, float64(1), resp["replayed"])
	require.Equal(t, float64(2), resp["replay_to_seq"])

	replayed := readLineFrom(t, r)
	require.Equal(t, "inbound", replayed["event"])
	require.Equal(t, true, replayed["replay"])
	require.Equal(t, float64(1), replayed["seq"])
}

func TestAckOutOfRange(t *testing.T) {
	h := newHarness(t, defaultOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.serve(ctx)
	defer h.srv.Close()

	conn, r := dialClient(t, h.srv.Addr())
	defer conn.Close()

	sendLine(t, conn, map[string]interface{}{"cmd": "hello", "version": 2, "req_id": "h1"})
	readLineFrom(t, r)

	sendLine(t, conn, map[string]interface{}{"cmd": "ack", "up_to_seq": 999, "req_id": "ack1"})
	resp := readLineFrom(t, r)
	require.Equal(t, false, resp["ok"])
	require.Equal(t, "ack_out_of_range", resp["error"])
}

func TestCommandTooLargeClosesConnection(t *testing.T) {
	h := newHarness(t, defaultOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.serve(ctx)
	defer h.srv.Close()

	conn, r := dialClient(t, h.srv.Addr())
	defer conn.Close()

	huge := make([]byte, maxLineBytes+10)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := conn.Write(append(huge, '\n'))
	require.NoError(t, err)

	resp := readLineFrom(t, r)
	require.Equal(t, "command_too_large", resp["error"])

	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestAddPeer(t *testing.T) {
	h := newHarness(t, defaultOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.serve(ctx)
	defer h.srv.Close()

	conn, r := dialClient(t, h.srv.Addr())
	defer conn.Close()

	peerID2, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	sendLine(t, conn, map[string]interface{}{
		"cmd": "add_peer", "pubkey": peerID2.PublicKeyBase64(), "addr": "127.0.0.1:9100", "req_id": "ap1",
	})
	resp := readLineFrom(t, r)
	require.Equal(t, true, resp["ok"])
	require.Equal(t, string(peerID2.AgentID()), resp["agent_id"])

	_, ok := h.peers.Get(peerID2.AgentID())
	require.True(t, ok)
}
