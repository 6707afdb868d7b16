package control

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/axon-project/axond/internal/envelope"
	"github.com/axon-project/axond/internal/identity"
)

func marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

// dispatch runs the full policy pipeline (spec.md §4.7) over one received
// line and returns true if the connection must now be closed.
func (s *Server) dispatch(ctx context.Context, cs *clientSession, line []byte) (closeConn bool) {
	var head envelopeCmd
	if err := json.Unmarshal(line, &head); err != nil {
		s.writeDirect(cs, newError("invalid_command", ""))
		return false
	}

	cs.mu.Lock()
	helloSeen := cs.helloSeen
	negotiated := cs.negotiatedVersion
	cs.mu.Unlock()

	if !s.opts.AllowV1Mode && !helloSeen && head.Cmd != "hello" {
		s.writeDirect(cs, newError("hello_required", head.ReqID))
		return true
	}

	v2Only := map[string]bool{"whoami": true, "inbox": true, "ack": true, "subscribe": true}
	if v2Only[head.Cmd] {
		if !helloSeen {
			s.writeDirect(cs, newError("hello_required", head.ReqID))
			return true
		}
		if negotiated < 2 {
			s.writeDirect(cs, newError("invalid_command", head.ReqID))
			return false
		}
	}

	if helloSeen && negotiated >= 2 && head.ReqID == "" {
		s.writeDirect(cs, newError("invalid_command", ""))
		return false
	}

	cs.mu.Lock()
	authenticated := cs.authenticated
	cs.mu.Unlock()

	needsAuth := helloSeen && negotiated >= 2 && head.Cmd != "hello" && head.Cmd != "auth" && head.Cmd != "status"
	if needsAuth && !authenticated {
		s.writeDirect(cs, newError("auth_required", head.ReqID))
		return false
	}

	switch head.Cmd {
	case "hello":
		return s.handleHello(cs, line)
	case "auth":
		return s.handleAuth(cs, line)
	case "whoami":
		return s.handleWhoami(cs, line)
	case "send":
		return s.handleSend(ctx, cs, line)
	case "peers":
		return s.handlePeers(cs, line)
	case "status":
		return s.handleStatus(cs, line)
	case "inbox":
		return s.handleInbox(cs, line)
	case "ack":
		return s.handleAck(cs, line)
	case "subscribe":
		return s.handleSubscribe(cs, line)
	case "add_peer":
		return s.handleAddPeer(cs, line)
	default:
		s.writeDirect(cs, newError("invalid_command", head.ReqID))
		return false
	}
}

func (s *Server) handleHello(cs *clientSession, line []byte) bool {
	var req helloRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeDirect(cs, newError("invalid_command", ""))
		return false
	}

	negotiated := req.Version
	if negotiated > DaemonMaxVersion {
		negotiated = DaemonMaxVersion
	}
	if req.Version < 1 {
		s.writeDirect(cs, newError("unsupported_version", req.ReqID))
		return true
	}

	cs.mu.Lock()
	cs.helloSeen = true
	cs.negotiatedVersion = negotiated
	cs.mu.Unlock()

	if req.Consumer != nil && *req.Consumer != "" {
		cs.consumerID = *req.Consumer
	}

	s.writeDirect(cs, helloResponse{
		Cmd: "hello", Ok: true, Version: negotiated, DaemonMaxVersion: DaemonMaxVersion,
		AgentID: string(s.id.AgentID()), Features: []string{"subscribe", "inbox", "ack"}, ReqID: req.ReqID,
	})
	return false
}

func (s *Server) handleAuth(cs *clientSession, line []byte) bool {
	var req authRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeDirect(cs, newError("invalid_command", ""))
		return false
	}
	if !s.tokens.Validate(req.Token) {
		s.writeDirect(cs, newError("auth_failed", req.ReqID))
		return false
	}
	cs.mu.Lock()
	cs.authenticated = true
	cs.mu.Unlock()
	s.writeDirect(cs, authResponse{Cmd: "auth", Ok: true, Auth: "accepted", ReqID: req.ReqID})
	return false
}

func (s *Server) handleWhoami(cs *clientSession, line []byte) bool {
	var req whoamiRequest
	_ = json.Unmarshal(line, &req)

	cs.mu.Lock()
	version := cs.negotiatedVersion
	cs.mu.Unlock()

	s.writeDirect(cs, whoamiResponse{
		Cmd: "whoami", Ok: true,
		AgentID: string(s.id.AgentID()), PublicKey: s.id.PublicKeyBase64(),
		Version: version, IpcVersion: DaemonMaxVersion,
		UptimeSecs: int64(time.Since(s.startedAt).Seconds()), ReqID: req.ReqID,
	})
	return false
}

func (s *Server) handleSend(ctx context.Context, cs *clientSession, line []byte) bool {
	var req sendRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeDirect(cs, newError("invalid_command", ""))
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	peerID := envelope.Canonical(req.To)
	rec, ok := s.peers.Get(peerID)
	if !ok {
		s.writeDirect(cs, newError("peer_not_found", req.ReqID))
		return false
	}

	kind := envelope.Kind(req.Kind)
	env := envelope.New(kind, req.Payload)
	self := s.id.AgentID()
	env.From = &self
	env.To = &peerID
	if req.Ref != "" {
		if refID, err := uuid.Parse(req.Ref); err == nil {
			env.RefID = &refID
		}
	}

	if peerID.Less(self) {
		// We are the higher-id side: the initiator rule forbids us from
		// dialing out to a lower-id peer. Wait briefly for it to connect to
		// us instead, and fail cleanly rather than fall through to a dial
		// if it doesn't show up in time.
		if !s.transport.WaitForInbound(ctx, peerID) {
			s.writeDirect(cs, newError("peer_unreachable", req.ReqID))
			return false
		}
	}

	resp, err := s.transport.Send(ctx, peerID, rec.Addr, env)
	if err != nil {
		s.writeDirect(cs, newError("peer_unreachable", req.ReqID))
		return false
	}

	s.sentMu.Lock()
	s.sent++
	s.sentMu.Unlock()

	s.writeDirect(cs, sendAckResponse{Cmd: "send_ack", Ok: true, MsgID: env.ID.String(), ReqID: req.ReqID})

	if resp != nil {
		s.publishToClient(cs, resp, 0, 0, true)
	}
	return false
}

func (s *Server) handlePeers(cs *clientSession, line []byte) bool {
	var req peersRequest
	_ = json.Unmarshal(line, &req)

	snap := s.peers.Snapshot()
	out := make([]peerInfo, 0, len(snap))
	for _, r := range snap {
		out = append(out, peerInfo{
			ID: string(r.AgentID), Addr: r.Addr, Status: string(r.Status),
			RTTMs: r.RTTMillis, Source: string(r.Source),
		})
	}
	s.writeDirect(cs, peersResponse{Cmd: "peers", Ok: true, Peers: out, ReqID: req.ReqID})
	return false
}

func (s *Server) handleStatus(cs *clientSession, line []byte) bool {
	var req statusRequest
	_ = json.Unmarshal(line, &req)

	connected := 0
	for _, r := range s.peers.Snapshot() {
		if r.Status == "connected" {
			connected++
		}
	}

	s.sentMu.Lock()
	sent := s.sent
	s.sentMu.Unlock()
	s.recvMu.Lock()
	recv := s.recv
	s.recvMu.Unlock()

	s.writeDirect(cs, statusResponse{
		Cmd: "status", Ok: true, UptimeSecs: int64(time.Since(s.startedAt).Seconds()),
		PeersConnected: connected, MessagesSent: sent, MessagesReceived: recv, ReqID: req.ReqID,
	})
	return false
}

func (s *Server) handleInbox(cs *clientSession, line []byte) bool {
	var req inboxRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeDirect(cs, newError("invalid_command", ""))
		return false
	}
	limit := 50
	if req.Limit != nil {
		limit = *req.Limit
	}
	kinds := parseKinds(req.Kinds)

	entries, hasMore := s.buf.Fetch(cs.consumerID, limit, kinds)
	msgs := make([]inboxMessage, 0, len(entries))
	var nextSeq *uint64
	for _, e := range entries {
		msgs = append(msgs, inboxMessage{Seq: e.Seq, BufferedAtMs: e.BufferedAtMs, Envelope: e.Envelope})
	}
	if len(entries) > 0 {
		n := entries[len(entries)-1].Seq + 1
		nextSeq = &n
	}
	s.writeDirect(cs, inboxResponse{Cmd: "inbox", Ok: true, Messages: msgs, NextSeq: nextSeq, HasMore: hasMore, ReqID: req.ReqID})
	return false
}

func (s *Server) handleAck(cs *clientSession, line []byte) bool {
	var req ackRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeDirect(cs, newError("invalid_command", ""))
		return false
	}
	if err := s.buf.Ack(cs.consumerID, req.UpToSeq); err != nil {
		s.writeDirect(cs, newError("ack_out_of_range", req.ReqID))
		return false
	}
	s.writeDirect(cs, ackResponse{Cmd: "ack", Ok: true, AckedSeq: req.UpToSeq, ReqID: req.ReqID})
	return false
}

func (s *Server) handleSubscribe(cs *clientSession, line []byte) bool {
	var req subscribeRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeDirect(cs, newError("invalid_command", ""))
		return false
	}
	kinds := parseKinds(req.Kinds)

	cs.mu.Lock()
	cs.subscribed = true
	cs.subscriptionKinds = kinds
	cs.mu.Unlock()

	replay := true
	if req.Replay != nil {
		replay = *req.Replay
	}

	if !replay {
		s.writeDirect(cs, subscribeResponse{Cmd: "subscribe", Ok: true, Subscribed: true, ReqID: req.ReqID})
		return false
	}

	// The response is written before the replayed events are queued, so a
	// client always sees the subscribe result ahead of its replay.
	replayToSeq := s.buf.HighestSeq()
	entries := s.buf.ReplayMessages(cs.consumerID, replayToSeq, kinds)
	s.writeDirect(cs, subscribeResponse{
		Cmd: "subscribe", Ok: true, Subscribed: true, Replayed: len(entries), ReplayToSeq: replayToSeq, ReqID: req.ReqID,
	})
	for _, e := range entries {
		s.publishToClient(cs, e.Envelope, e.Seq, e.BufferedAtMs, true)
	}
	return false
}

func (s *Server) handleAddPeer(cs *clientSession, line []byte) bool {
	var req addPeerRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeDirect(cs, newError("invalid_command", ""))
		return false
	}

	pub, err := base64.StdEncoding.DecodeString(req.Pubkey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		s.writeDirect(cs, newError("invalid_command", req.ReqID))
		return false
	}

	id := identity.DeriveAgentID(ed25519.PublicKey(pub))
	s.peers.UpsertStatic(id, req.Addr, req.Pubkey)

	s.writeDirect(cs, addPeerResponse{Cmd: "add_peer", Ok: true, AgentID: string(id), ReqID: req.ReqID})
	return false
}

func parseKinds(raw []string) []envelope.Kind {
	if len(raw) == 0 {
		return nil
	}
	out := make([]envelope.Kind, 0, len(raw))
	for _, r := range raw {
		out = append(out, envelope.Kind(r))
	}
	return out
}

// PublishInbound is called by the daemon loop's inbound forwarder after an
// envelope has cleared the replay cache and been pushed into the receive
// buffer. It fans the envelope out to every subscribed client whose filter
// matches, evicting any client whose output queue is full.
func (s *Server) PublishInbound(env *envelope.Envelope, seq uint64, bufferedAtMs int64) {
	s.recvMu.Lock()
	s.recv++
	s.recvMu.Unlock()

	s.clientsMu.Lock()
	snapshot := make([]*clientSession, 0, len(s.clients))
	for cs := range s.clients {
		snapshot = append(snapshot, cs)
	}
	s.clientsMu.Unlock()

	for _, cs := range snapshot {
		cs.mu.Lock()
		v1 := !cs.helloSeen || cs.negotiatedVersion < 2
		cs.mu.Unlock()

		if v1 {
			s.publishToClient(cs, env, seq, bufferedAtMs, false)
			continue
		}
		if !cs.matchesSubscription(env.Kind) {
			continue
		}
		s.publishToClient(cs, env, seq, bufferedAtMs, false)
	}
}

func (s *Server) publishToClient(cs *clientSession, env *envelope.Envelope, seq uint64, bufferedAtMs int64, replay bool) {
	cs.mu.Lock()
	v2 := cs.helloSeen && cs.negotiatedVersion >= 2
	cs.mu.Unlock()

	var payload interface{}
	if v2 {
		payload = inboundEventV2{Event: "inbound", Replay: replay, Seq: seq, BufferedAtMs: bufferedAtMs, Envelope: env}
	} else {
		payload = inboundEventV1{Inbound: true, Envelope: env}
	}

	data, err := marshal(payload)
	if err != nil {
		return
	}
	if !cs.enqueue(data) {
		s.log.Warn("control client evicted: output queue full")
		cs.close()
		return
	}
	if seq > 0 {
		s.buf.UpdateDeliveredSeq(cs.consumerID, seq)
	}
}
