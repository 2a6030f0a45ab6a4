// ABOUTME: JSON message envelope exchanged between gateways and execution contexts
// ABOUTME: Covers RPC requests, responses and topic broadcasts in a single shape

package protocol

import (
	"encoding/json"
	"fmt"
)

// Control message types understood by every execution context.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeBroadcast   = "broadcast"
	TypeResponse    = "response"
)

// Envelope is the single message shape used in both directions.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the wire form of an Error.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// IsResponse reports whether the envelope answers a correlated request.
func (e *Envelope) IsResponse() bool {
	return e.Type == TypeResponse && e.ID != ""
}

// IsBroadcast reports whether the envelope carries topic data.
func (e *Envelope) IsBroadcast() bool {
	return e.Type == TypeBroadcast && e.Topic != ""
}

// Err converts the error body, if any, to an *Error.
func (e *Envelope) Err() error {
	if e.Error == nil {
		return nil
	}
	return &Error{Kind: Kind(e.Error.Kind), Message: e.Error.Message}
}

// NewRequest builds a correlated request envelope. The payload is marshalled
// unless it is already raw JSON.
func NewRequest(id, typ string, payload any) (*Envelope, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{ID: id, Type: typ, Payload: raw}, nil
}

// NewResponse builds the success response for a request id.
func NewResponse(id string, payload any) (*Envelope, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{ID: id, Type: TypeResponse, Payload: raw}, nil
}

// NewErrorResponse builds the failure response for a request id.
func NewErrorResponse(id string, err error) *Envelope {
	pe := AsError(err)
	return &Envelope{
		ID:    id,
		Type:  TypeResponse,
		Error: &ErrorBody{Kind: string(pe.Kind), Message: pe.Message},
	}
}

// NewBroadcast builds a topic broadcast envelope.
func NewBroadcast(topic string, payload any) (*Envelope, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: TypeBroadcast, Topic: topic, Payload: raw}, nil
}

// MarshalPayload encodes v for an envelope. Nil stays empty and raw JSON is
// passed through untouched.
func MarshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, Errorf(KindMalformedMessage, "payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return raw, nil
}

// Encode serialises an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// Decode parses one envelope. Invalid JSON or a missing type yields a
// malformed_message error. When the object parses far enough to carry an id,
// the partially decoded envelope is returned alongside the error so callers
// can fail the pending call it answers.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		var probe struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &probe) == nil && probe.ID != "" {
			return &Envelope{ID: probe.ID}, Errorf(KindMalformedMessage, "decoding envelope: %v", err)
		}
		return nil, Errorf(KindMalformedMessage, "decoding envelope: %v", err)
	}
	if env.Type == "" {
		if env.ID != "" {
			return &Envelope{ID: env.ID}, Errorf(KindMalformedMessage, "envelope has no type")
		}
		return nil, Errorf(KindMalformedMessage, "envelope has no type")
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into out.
func DecodePayload(env *Envelope, out any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return Errorf(KindMalformedMessage, "decoding %s payload: %v", env.Type, err)
	}
	return nil
}
