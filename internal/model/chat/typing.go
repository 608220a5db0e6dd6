package chat

import "time"

// TypingSignal is an ephemeral "user is typing" marker, pruned once ExpiresAt passes.
type TypingSignal struct {
	Room      RoomKey
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

// TypingPayload is carried by both the outbound typing event and the inbound typing_notice.
type TypingPayload struct {
	Room     RoomKey `json:"room"`
	UserID   string  `json:"userId,omitempty"`
	UserName string  `json:"userName"`
}
