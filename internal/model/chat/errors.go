package chat

import "errors"

var (
	// ErrAuthRejected means the server refused the session credential. It is fatal and never retried.
	ErrAuthRejected = errors.New("auth rejected")
	// ErrTransportLost means the live connection dropped. The connection manager recovers from it.
	ErrTransportLost = errors.New("transport lost")
	// ErrEmptyMessage is returned for empty or whitespace-only content before any network call.
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrPersistFailed wraps a failed persist call. The message stays in the failed state.
	ErrPersistFailed = errors.New("persist failed")
	// ErrHistoryLoadFailed wraps a failed history request. The room stays joined.
	ErrHistoryLoadFailed = errors.New("history load failed")
	// ErrNotConnected is returned when a frame is written while the live channel is down.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidRoomKey rejects keys outside the institution/event/mentorship shapes.
	ErrInvalidRoomKey = errors.New("invalid room key")
)
