// Length-prefixed framing: every stream carries exactly one frame, a
// 4-byte big-endian length followed by that many bytes of UTF-8 JSON.
// Grounded on the teleport QUIC peer's binary.Read/Write frame length
// handling, adapted from its little-endian u32 to the big-endian u32
// spec.md §6 specifies.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/axon-project/axond/internal/daemonerr"
	"github.com/axon-project/axond/internal/envelope"
)

func writeFrame(w io.Writer, env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return daemonerr.Wrap(daemonerr.CodeMalformedEnvelope, "marshal envelope", err)
	}
	if len(data) > envelope.MaxSize {
		return daemonerr.New(daemonerr.CodeSizeExceeded, "envelope exceeds max frame size")
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	if _, err := w.Write(length[:]); err != nil {
		return daemonerr.Wrap(daemonerr.CodeTransportError, "write frame length", err)
	}
	if _, err := w.Write(data); err != nil {
		return daemonerr.Wrap(daemonerr.CodeTransportError, "write frame body", err)
	}
	return nil
}

func readFrame(r io.Reader) (*envelope.Envelope, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeTransportError, "read frame length", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > envelope.MaxSize {
		return nil, daemonerr.New(daemonerr.CodeSizeExceeded, "incoming frame exceeds max size")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeTransportError, "read frame body", err)
	}

	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, daemonerr.Wrap(daemonerr.CodeMalformedEnvelope, "decode envelope", err)
	}
	return &env, nil
}
