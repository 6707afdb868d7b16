// Wire types for the control-socket line protocol (spec.md §6): one JSON
// object per newline-terminated line, tagged by "cmd" on the way in and
// echoing "req_id" on the way out.
package control

import (
	"encoding/json"

	"github.com/axon-project/axond/internal/envelope"
)

const (
	// DaemonMaxVersion is the highest protocol version this daemon speaks.
	DaemonMaxVersion = 2

	maxLineBytes = 64 * 1024
)

type envelopeCmd struct {
	Cmd   string `json:"cmd"`
	ReqID string `json:"req_id,omitempty"`
}

type helloRequest struct {
	Version  int     `json:"version"`
	ReqID    string  `json:"req_id,omitempty"`
	Consumer *string `json:"consumer,omitempty"`
}

type helloResponse struct {
	Cmd              string   `json:"cmd"`
	Ok               bool     `json:"ok"`
	Version          int      `json:"version"`
	DaemonMaxVersion int      `json:"daemon_max_version"`
	AgentID          string   `json:"agent_id"`
	Features         []string `json:"features,omitempty"`
	ReqID            string   `json:"req_id,omitempty"`
}

type authRequest struct {
	Token string `json:"token"`
	ReqID string `json:"req_id,omitempty"`
}

type authResponse struct {
	Cmd   string `json:"cmd"`
	Ok    bool   `json:"ok"`
	Auth  string `json:"auth,omitempty"`
	ReqID string `json:"req_id,omitempty"`
}

type whoamiRequest struct {
	ReqID string `json:"req_id,omitempty"`
}

type whoamiResponse struct {
	Cmd        string `json:"cmd"`
	Ok         bool   `json:"ok"`
	AgentID    string `json:"agent_id"`
	PublicKey  string `json:"public_key"`
	Name       string `json:"name,omitempty"`
	Version    int    `json:"version"`
	IpcVersion int    `json:"ipc_version"`
	UptimeSecs int64  `json:"uptime_secs"`
	ReqID      string `json:"req_id,omitempty"`
}

type sendRequest struct {
	To      string          `json:"to"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	ReqID   string          `json:"req_id,omitempty"`
}

type sendAckResponse struct {
	Cmd   string `json:"cmd"`
	Ok    bool   `json:"ok"`
	MsgID string `json:"msg_id"`
	ReqID string `json:"req_id,omitempty"`
}

type peersRequest struct {
	ReqID string `json:"req_id,omitempty"`
}

type peerInfo struct {
	ID      string `json:"id"`
	Addr    string `json:"addr"`
	Status  string `json:"status"`
	RTTMs   *int64 `json:"rtt_ms,omitempty"`
	Source  string `json:"source"`
}

type peersResponse struct {
	Cmd   string     `json:"cmd"`
	Ok    bool       `json:"ok"`
	Peers []peerInfo `json:"peers"`
	ReqID string     `json:"req_id,omitempty"`
}

type statusRequest struct {
	ReqID string `json:"req_id,omitempty"`
}

type statusResponse struct {
	Cmd               string `json:"cmd"`
	Ok                bool   `json:"ok"`
	UptimeSecs        int64  `json:"uptime_secs"`
	PeersConnected    int    `json:"peers_connected"`
	MessagesSent      uint64 `json:"messages_sent"`
	MessagesReceived  uint64 `json:"messages_received"`
	ReqID             string `json:"req_id,omitempty"`
}

type inboxRequest struct {
	Limit *int     `json:"limit,omitempty"`
	Kinds []string `json:"kinds,omitempty"`
	ReqID string   `json:"req_id,omitempty"`
}

type inboxMessage struct {
	Seq          uint64             `json:"seq"`
	BufferedAtMs int64              `json:"buffered_at_ms"`
	Envelope     *envelope.Envelope `json:"envelope"`
}

type inboxResponse struct {
	Cmd     string         `json:"cmd"`
	Ok      bool           `json:"ok"`
	Messages []inboxMessage `json:"messages"`
	NextSeq *uint64        `json:"next_seq,omitempty"`
	HasMore bool           `json:"has_more"`
	ReqID   string         `json:"req_id,omitempty"`
}

type ackRequest struct {
	UpToSeq uint64 `json:"up_to_seq"`
	ReqID   string `json:"req_id,omitempty"`
}

type ackResponse struct {
	Cmd      string `json:"cmd"`
	Ok       bool   `json:"ok"`
	AckedSeq uint64 `json:"acked_seq"`
	ReqID    string `json:"req_id,omitempty"`
}

type subscribeRequest struct {
	Replay *bool    `json:"replay,omitempty"`
	Kinds  []string `json:"kinds,omitempty"`
	ReqID  string   `json:"req_id,omitempty"`
}

type subscribeResponse struct {
	Cmd         string `json:"cmd"`
	Ok          bool   `json:"ok"`
	Subscribed  bool   `json:"subscribed"`
	Replayed    int    `json:"replayed"`
	ReplayToSeq uint64 `json:"replay_to_seq"`
	ReqID       string `json:"req_id,omitempty"`
}

type addPeerRequest struct {
	Pubkey string `json:"pubkey"`
	Addr   string `json:"addr"`
	ReqID  string `json:"req_id,omitempty"`
}

type addPeerResponse struct {
	Cmd     string `json:"cmd"`
	Ok      bool   `json:"ok"`
	AgentID string `json:"agent_id"`
	ReqID   string `json:"req_id,omitempty"`
}

type errorResponse struct {
	Cmd   string `json:"cmd"`
	Ok    bool   `json:"ok"`
	Error string `json:"error"`
	ReqID string `json:"req_id,omitempty"`
}

// inboundEventV2 is the unsolicited push delivered to v2 clients.
type inboundEventV2 struct {
	Event        string             `json:"event"`
	Replay       bool               `json:"replay"`
	Seq          uint64             `json:"seq"`
	BufferedAtMs int64              `json:"buffered_at_ms"`
	Envelope     *envelope.Envelope `json:"envelope"`
}

// inboundEventV1 is the unsolicited push delivered to v1-legacy clients.
type inboundEventV1 struct {
	Inbound  bool               `json:"inbound"`
	Envelope *envelope.Envelope `json:"envelope"`
}

func newError(code string, reqID string) errorResponse {
	return errorResponse{Cmd: "error", Ok: false, Error: code, ReqID: reqID}
}
