package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every event sent over the wire.
type Envelope struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Timestamp Timestamp       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload once and stamps a fresh id.
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	env := Envelope{
		ID:        uuid.NewString(),
		Event:     event,
		Timestamp: Timestamp{Time: time.Now().UTC()},
	}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = data
	return env, nil
}

// DecodePayload unmarshals the raw payload into dst.
func (e Envelope) DecodePayload(dst interface{}) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), dst)
	}
	return json.Unmarshal(e.Payload, dst)
}
