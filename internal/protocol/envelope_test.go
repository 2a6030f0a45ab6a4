// ABOUTME: Tests for envelope encoding, decoding and error kinds
// ABOUTME: Covers malformed input recovery and errors.Is matching across the wire

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_OmitsEmptyFields(t *testing.T) {
	env, err := NewBroadcast(TopicMetrics, map[string]int{"cpu": 3})
	require.NoError(t, err)

	data, err := Encode(env)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "broadcast", fields["type"])
	assert.Equal(t, "metrics", fields["topic"])
	assert.NotContains(t, fields, "id")
	assert.NotContains(t, fields, "error")
}

func TestDecode_RequestRoundTrip(t *testing.T) {
	req, err := NewRequest("abc", "echo", map[string]string{"hello": "world"})
	require.NoError(t, err)
	data, err := Encode(req)
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "abc", env.ID)
	assert.Equal(t, "echo", env.Type)
	assert.JSONEq(t, `{"hello":"world"}`, string(env.Payload))
	assert.False(t, env.IsResponse())
}

func TestDecode_InvalidJSON(t *testing.T) {
	env, err := Decode([]byte(`{not json`))
	assert.Nil(t, env)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecode_MissingTypeKeepsID(t *testing.T) {
	env, err := Decode([]byte(`{"id":"req-1","payload":{}}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedMessage)
	require.NotNil(t, env)
	assert.Equal(t, "req-1", env.ID)
}

func TestDecode_WrongFieldTypeKeepsID(t *testing.T) {
	env, err := Decode([]byte(`{"id":"req-2","type":7}`))
	require.Error(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "req-2", env.ID)
}

func TestErrorResponse_SurvivesWire(t *testing.T) {
	resp := NewErrorResponse("r", Errorf(KindNotConnected, "push bridge for %q is closed", "realtime:x"))
	data, err := Encode(resp)
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, env.IsResponse())

	wireErr := env.Err()
	assert.ErrorIs(t, wireErr, ErrNotConnected)
	assert.NotErrorIs(t, wireErr, ErrTimeout)
	assert.Contains(t, wireErr.Error(), "realtime:x")
}

func TestAsError_DefaultsToHandlerKind(t *testing.T) {
	pe := AsError(errors.New("boom"))
	assert.Equal(t, KindHandler, pe.Kind)
	assert.Equal(t, "boom", pe.Message)

	wrapped := fmt.Errorf("outer: %w", ErrTimeout)
	assert.Equal(t, KindTimeout, AsError(wrapped).Kind)
	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestMarshalPayload_RawPassThrough(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	out, err := MarshalPayload(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)

	_, err = MarshalPayload([]byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	out, err = MarshalPayload(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRealtimeTopic(t *testing.T) {
	topic := RealtimeTopic("lobby")
	assert.Equal(t, "realtime:lobby", topic)

	key, ok := RealtimeKey(topic)
	assert.True(t, ok)
	assert.Equal(t, "lobby", key)

	_, ok = RealtimeKey("realtime:")
	assert.False(t, ok)
	_, ok = RealtimeKey("metrics")
	assert.False(t, ok)
}
