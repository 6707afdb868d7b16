// The hello handshake: the first bidirectional stream on every fresh
// connection, before which all other traffic is refused. Grounded on
// connection.rs's run_connection (handshake timeout, pre-auth uni drops,
// pre-auth bidi rejection) and on transport/tls.rs's agent-id derivation,
// reused here to cross-check the hello's declared `from` against the
// certificate the QUIC handshake already authenticated.
package transport

import (
	"encoding/json"

	"github.com/axon-project/axond/internal/daemonerr"
	"github.com/axon-project/axond/internal/envelope"
)

const supportedProtocolVersion = 1

type helloRequest struct {
	ProtocolVersions []int    `json:"protocol_versions"`
	AgentName        string   `json:"agent_name,omitempty"`
	Features         []string `json:"features,omitempty"`
}

type helloResponse struct {
	ProtocolVersions []int    `json:"protocol_versions"`
	SelectedVersion  int      `json:"selected_version"`
	Features         []string `json:"features,omitempty"`
}

// quicStream is the minimal stream surface hello needs; satisfied by
// quic.Stream, kept narrow so hello logic is unit-testable over an
// in-memory pipe.
type quicStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

func runResponderHello(stream quicStream, peerDerivedID envelope.AgentId) error {
	env, err := readFrame(stream)
	if err != nil {
		return daemonerr.Wrap(daemonerr.CodeHandshakeFailed, "read hello request", err)
	}
	if env.Kind != envelope.KindRequest {
		return daemonerr.New(daemonerr.CodeHandshakeFailed, "first stream frame was not a hello request")
	}

	var req helloRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return daemonerr.Wrap(daemonerr.CodeHandshakeFailed, "decode hello payload", err)
	}

	if env.From != nil && *env.From != peerDerivedID {
		return daemonerr.New(daemonerr.CodeHandshakeFailed, "hello's declared from does not match the certificate-derived agent-id")
	}

	compatible := false
	for _, v := range req.ProtocolVersions {
		if v == supportedProtocolVersion {
			compatible = true
		}
	}
	if !compatible {
		reply := envelope.Reply(env, envelope.KindError, mustJSON(map[string]string{"code": "incompatible_version"}))
		_ = writeFrame(stream, reply)
		return daemonerr.New(daemonerr.CodeUnsupportedVersion, "peer does not offer a compatible protocol version")
	}

	resp := helloResponse{ProtocolVersions: []int{supportedProtocolVersion}, SelectedVersion: supportedProtocolVersion}
	reply := envelope.Reply(env, envelope.KindResponse, mustJSON(resp))
	return writeFrame(stream, reply)
}

func runInitiatorHello(stream quicStream, selfID envelope.AgentId) error {
	id := selfID
	req := helloRequest{ProtocolVersions: []int{supportedProtocolVersion}}
	env := envelope.New(envelope.KindRequest, mustJSON(req))
	env.From = &id

	if err := writeFrame(stream, env); err != nil {
		return daemonerr.Wrap(daemonerr.CodeHandshakeFailed, "write hello request", err)
	}

	resp, err := readFrame(stream)
	if err != nil {
		return daemonerr.Wrap(daemonerr.CodeHandshakeFailed, "read hello response", err)
	}
	if resp.RefID == nil || *resp.RefID != env.ID {
		return daemonerr.New(daemonerr.CodeHandshakeFailed, "hello response does not correlate to our request")
	}
	if resp.Kind == envelope.KindError {
		return daemonerr.New(daemonerr.CodeUnsupportedVersion, "peer rejected our hello")
	}
	if resp.Kind != envelope.KindResponse {
		return daemonerr.New(daemonerr.CodeHandshakeFailed, "unexpected hello response kind")
	}
	return nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
