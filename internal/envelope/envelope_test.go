package envelope

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindUnmarshalUnknownSentinel(t *testing.T) {
	var k Kind
	err := json.Unmarshal([]byte(`"frobnicate"`), &k)
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, k)
}

func TestKindExpectsResponse(t *testing.T) {
	assert.True(t, KindRequest.ExpectsResponse())
	assert.False(t, KindMessage.ExpectsResponse())
	assert.True(t, KindResponse.IsResponse())
	assert.True(t, KindError.IsResponse())
	assert.False(t, KindRequest.IsResponse())
}

func TestAgentIdLess(t *testing.T) {
	a := AgentId("ed25519.aaaa")
	b := AgentId("ed25519.bbbb")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestCanonicalLowercases(t *testing.T) {
	assert.Equal(t, AgentId("ed25519.abcd"), Canonical("ED25519.ABCD"))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := New(KindMessage, json.RawMessage(`{"q":"hi"}`))
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, env.ID, out.ID)
	assert.Equal(t, env.Kind, out.Kind)
	assert.JSONEq(t, string(env.Payload), string(out.Payload))
}

func TestEnvelopeRefWireTag(t *testing.T) {
	req := New(KindRequest, json.RawMessage(`{}`))
	resp := Reply(req, KindResponse, json.RawMessage(`{}`))

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "ref")
	assert.NotContains(t, raw, "ref_id")
}

func TestValidateRejectsRefIDOnNonResponse(t *testing.T) {
	id := uuid.New()
	env := &Envelope{ID: uuid.New(), Kind: KindMessage, RefID: &id, Payload: json.RawMessage(`{}`)}
	assert.Error(t, env.Validate())
}

func TestValidateRejectsNilID(t *testing.T) {
	env := &Envelope{Kind: KindMessage, Payload: json.RawMessage(`{}`)}
	assert.Error(t, env.Validate())
}

func TestValidateRejectsOversize(t *testing.T) {
	big := make([]byte, MaxSize)
	for i := range big {
		big[i] = 'a'
	}
	payload, err := json.Marshal(string(big))
	require.NoError(t, err)
	env := New(KindMessage, payload)
	assert.Error(t, env.Validate())
}

func TestValidateAcceptsBoundarySize(t *testing.T) {
	env := New(KindMessage, json.RawMessage(`""`))
	base, err := json.Marshal(env)
	require.NoError(t, err)
	payload, err := json.Marshal(strings.Repeat("a", MaxSize-len(base)))
	require.NoError(t, err)
	env.Payload = payload

	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.Len(t, data, MaxSize)
	assert.NoError(t, env.Validate())
}
