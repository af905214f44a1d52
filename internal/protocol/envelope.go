package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingType is returned for frames without a type.
var ErrMissingType = errors.New("frame has no type")

// Envelope is the outer JSON object of every frame.
type Envelope struct {
	Type      Type            `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps payload in an Envelope.
//
// Postcondition: Returns an Envelope whose Payload is the JSON form of payload
// (omitted when payload is nil), or a marshalling error.
func Encode(t Type, requestID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, RequestID: requestID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v.
//
// Postcondition: Returns an error if the payload is absent or malformed.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decoding %s payload: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Marshal renders e as a wire frame.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a wire frame.
//
// Postcondition: Returns ErrMissingType if the frame has no type.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("parsing frame: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return e, nil
}
