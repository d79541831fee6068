package scaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
)

// EnvelopeKind distinguishes relay messages
type EnvelopeKind string

const (
	KindUser EnvelopeKind = "user"
	KindAll  EnvelopeKind = "all"
)

const encodingSnappy = "snappy"

// Envelope is the relay frame published on the broadcast channel
type Envelope struct {
	Kind     EnvelopeKind `json:"kind"`
	Origin   string       `json:"origin"`
	Target   string       `json:"target,omitempty"`
	UserID   string       `json:"user_id,omitempty"`
	Encoding string       `json:"encoding,omitempty"`
	Payload  []byte       `json:"payload"`
	SentAt   time.Time    `json:"sent_at"`
}

// Encode marshals msg into an envelope. Payloads larger than threshold bytes
// are snappy-compressed; a non-positive threshold disables compression.
func Encode(env Envelope, msg any, threshold int) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal relay payload: %w", err)
	}
	if threshold > 0 && len(payload) > threshold {
		payload = snappy.Encode(nil, payload)
		env.Encoding = encodingSnappy
	}
	env.Payload = payload
	return json.Marshal(env)
}

// Decode parses an envelope and returns its message as raw JSON
func Decode(data []byte) (Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("unmarshal relay envelope: %w", err)
	}

	payload := env.Payload
	switch env.Encoding {
	case "":
	case encodingSnappy:
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return Envelope{}, nil, fmt.Errorf("decompress relay payload: %w", err)
		}
		payload = decoded
	default:
		return Envelope{}, nil, fmt.Errorf("unknown relay encoding %q", env.Encoding)
	}

	if !json.Valid(payload) {
		return Envelope{}, nil, fmt.Errorf("relay payload is not valid JSON")
	}
	return env, json.RawMessage(payload), nil
}
