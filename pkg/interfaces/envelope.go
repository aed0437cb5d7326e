package interfaces

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Wire event types.
const (
	TypeChatMessage           = "chat_message"
	TypeConnectionEstablished = "connection_established"
	TypeCreditsUpdated        = "credits_updated"
	TypePresenceUpdate        = "presence_update"
	TypeNotification          = "notification"
	TypeTyping                = "typing"
)

// Envelope is one frame of the relay: a JSON object with a string "type"
// field and type specific fields next to it. Raw holds the whole object.
type Envelope struct {
	Type string
	Raw  []byte
}

type typeOnly struct {
	Type string `json:"type"`
}

// NewEnvelope encodes payload as a JSON object and sets its "type" field.
// A nil payload produces {"type":...}.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, fmt.Errorf("%w: empty type", ErrInvalidEnvelope)
	}

	fields := map[string]json.RawMessage{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return Envelope{}, fmt.Errorf("%w: payload is not an object: %v", ErrInvalidEnvelope, err)
		}
	}

	typeField, err := json.Marshal(eventType)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal type: %w", err)
	}
	fields["type"] = typeField

	raw, err := json.Marshal(fields)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return Envelope{Type: eventType, Raw: raw}, nil
}

// DecodeEnvelope parses a text frame. Frames that are not JSON objects or
// carry no type are rejected with ErrInvalidEnvelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty frame", ErrInvalidEnvelope)
	}
	var head typeOnly
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if head.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	return Envelope{Type: head.Type, Raw: raw}, nil
}

// Decode unmarshals the whole frame into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

func (e Envelope) String() string {
	return string(e.Raw)
}
