package transport

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axon-project/axond/internal/envelope"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	env := envelope.New(envelope.KindMessage, json.RawMessage(`{"hello":"world"}`))

	require.NoError(t, writeFrame(&buf, env))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.JSONEq(t, `{"hello":"world"}`, string(got.Payload))
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := readFrame(&buf)
	assert.Error(t, err)
}

func TestWriteFrameRejectsOversizeEnvelope(t *testing.T) {
	var buf bytes.Buffer
	big := strings.Repeat("a", envelope.MaxSize)
	payload, _ := json.Marshal(big)
	env := envelope.New(envelope.KindMessage, payload)

	err := writeFrame(&buf, env)
	assert.Error(t, err)
}
