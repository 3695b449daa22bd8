package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var jsonNull = []byte("null")

// Payload is an opaque JSON value carried on a channel. The broker copies it
// between endpoints without looking inside. The zero Payload encodes as null.
type Payload struct {
	raw json.RawMessage
}

// NewPayload marshals v into a Payload.
func NewPayload(v any) (Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return Payload{raw: b}, nil
}

// RawPayload wraps already-encoded JSON. The bytes are not validated until
// the payload is marshalled.
func RawPayload(b []byte) Payload {
	if len(b) == 0 {
		return Payload{}
	}
	return Payload{raw: append(json.RawMessage(nil), b...)}
}

// Bytes returns the encoded JSON, "null" for the zero Payload.
func (p Payload) Bytes() []byte {
	if len(p.raw) == 0 {
		return jsonNull
	}
	return p.raw
}

// IsZero reports whether the payload is absent, as opposed to JSON null.
// Send and ChannelMessage leave an absent payload out of the frame.
func (p Payload) IsZero() bool { return len(p.raw) == 0 }

// IsNull reports whether the payload is absent or JSON null.
func (p Payload) IsNull() bool {
	return len(p.raw) == 0 || bytes.Equal(bytes.TrimSpace(p.raw), jsonNull)
}

// Len is the encoded size in bytes.
func (p Payload) Len() int { return len(p.Bytes()) }

// Decode unmarshals the payload into v, which must be a pointer.
func (p Payload) Decode(v any) error {
	if p.IsNull() {
		return nil
	}
	return json.Unmarshal(p.raw, v)
}

func (p Payload) String() string { return string(p.Bytes()) }

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p.raw) == 0 {
		return jsonNull, nil
	}
	if !json.Valid(p.raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedMessage)
	}
	return p.raw, nil
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	p.raw = append(p.raw[:0], b...)
	return nil
}
