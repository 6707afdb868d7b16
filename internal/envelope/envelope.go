// Package envelope defines the wire and in-memory message shape every AXON
// component passes around: the Envelope, its Kind, and the AgentId it is
// addressed to and from.
package envelope

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// MaxSize is the largest serialized Envelope the transport and control
// socket will accept. Enforced by the reader before it allocates, per the
// framing rule: length is checked before the body is read.
const MaxSize = 65536

// Kind tags the purpose of an Envelope. Unknown is the forward-compat
// sentinel any unrecognised wire value decodes to.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindMessage  Kind = "message"
	KindError    Kind = "error"
	KindUnknown  Kind = "unknown"
)

// ExpectsResponse reports whether a message of this kind is sent on a
// bidirectional stream awaiting exactly one reply.
func (k Kind) ExpectsResponse() bool {
	return k == KindRequest
}

// IsResponse reports whether a message of this kind correlates to an
// earlier request via RefID.
func (k Kind) IsResponse() bool {
	return k == KindResponse || k == KindError
}

// UnmarshalJSON decodes any string not in the closed set to KindUnknown
// instead of failing, so a newer peer's vocabulary never breaks an older
// daemon.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch Kind(s) {
	case KindRequest, KindResponse, KindMessage, KindError:
		*k = Kind(s)
	default:
		*k = KindUnknown
	}
	return nil
}

// AgentId is the lowercase textual identifier derived from an Ed25519
// public key: "ed25519." + hex(sha256(pubkey)[:16]).
type AgentId string

// Canonical lowercases an AgentId for comparison and storage, per spec.
func Canonical(id string) AgentId {
	return AgentId(strings.ToLower(id))
}

func (a AgentId) String() string { return string(a) }

// Less implements the total lexicographic order used by the initiator rule:
// the peer with the lexicographically lower agent-id connects.
func (a AgentId) Less(other AgentId) bool { return string(a) < string(other) }

// Envelope is the message carried on every transport stream and handed to
// control-socket clients. Payload is preserved byte-exact through the
// daemon by keeping it as json.RawMessage rather than decoding it.
type Envelope struct {
	ID      uuid.UUID       `json:"id"`
	Kind    Kind            `json:"kind"`
	RefID   *uuid.UUID      `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload"`
	From    *AgentId        `json:"from,omitempty"`
	To      *AgentId        `json:"to,omitempty"`
}

// New builds a well-formed Envelope with a fresh id.
func New(kind Kind, payload json.RawMessage) *Envelope {
	return &Envelope{ID: uuid.New(), Kind: kind, Payload: payload}
}

// Reply builds a Response/Error Envelope whose RefID correlates to req.
func Reply(req *Envelope, kind Kind, payload json.RawMessage) *Envelope {
	id := req.ID
	return &Envelope{ID: uuid.New(), Kind: kind, RefID: &id, Payload: payload}
}

// Validate checks the invariants spec.md §3 states for a well-formed
// Envelope: non-nil id, ref_id only on Response/Error, and the size cap.
func (e *Envelope) Validate() error {
	if e.ID == uuid.Nil {
		return errInvalid("missing id")
	}
	if e.RefID != nil && !e.Kind.IsResponse() {
		return errInvalid("ref_id present on a non-response/error envelope")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return errInvalid("envelope does not marshal: " + err.Error())
	}
	if len(data) > MaxSize {
		return errInvalid("envelope exceeds max size")
	}
	return nil
}

type validationError string

func (e validationError) Error() string { return string(e) }

func errInvalid(msg string) error { return validationError(msg) }
