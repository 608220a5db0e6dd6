package chat

import (
	"encoding/json"
	"fmt"
)

// Live channel event names.
const (
	EventJoin         = "join"
	EventLeave        = "leave"
	EventMessage      = "message"
	EventTyping       = "typing"
	EventTypingNotice = "typing_notice"
	EventError        = "error"
)

// Envelope frames every event on the live channel.
type Envelope struct {
	Event string          `json:"event"`
	Room  RoomKey         `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload into an envelope. A nil payload leaves Data empty.
func NewEnvelope(event string, room RoomKey, payload any) (Envelope, error) {
	env := Envelope{Event: event, Room: room}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}
