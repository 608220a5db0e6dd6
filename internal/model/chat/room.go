package chat

import (
	"fmt"
	"strings"
	"unicode"
)

// RoomKey scopes a conversation. It is one of
//
//	institution:<institutionId>:event:<eventId>
//	event:<eventId>
//	mentorship:<mentorshipId>
//
// and compares as an opaque string.
type RoomKey string

const (
	scopeInstitution = "institution"
	scopeEvent       = "event"
	scopeMentorship  = "mentorship"
)

// InstitutionEventRoom keys the chat of an event within one institution.
func InstitutionEventRoom(institutionID, eventID string) RoomKey {
	return RoomKey(scopeInstitution + ":" + institutionID + ":" + scopeEvent + ":" + eventID)
}

// EventRoom keys the chat of an event across institutions.
func EventRoom(eventID string) RoomKey {
	return RoomKey(scopeEvent + ":" + eventID)
}

// MentorshipRoom keys a mentorship conversation.
func MentorshipRoom(mentorshipID string) RoomKey {
	return RoomKey(scopeMentorship + ":" + mentorshipID)
}

func (k RoomKey) String() string { return string(k) }

// Validate checks that k has one of the three supported shapes.
func (k RoomKey) Validate() error {
	parts := strings.Split(string(k), ":")
	for i := 1; i < len(parts); i += 2 {
		if !validID(parts[i]) {
			return fmt.Errorf("%w: %q", ErrInvalidRoomKey, string(k))
		}
	}

	switch {
	case len(parts) == 2 && (parts[0] == scopeEvent || parts[0] == scopeMentorship):
		return nil
	case len(parts) == 4 && parts[0] == scopeInstitution && parts[2] == scopeEvent:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidRoomKey, string(k))
}

// ParseRoomKey normalizes and validates a room key received from outside the process.
func ParseRoomKey(raw string) (RoomKey, error) {
	key := RoomKey(strings.TrimSpace(raw))
	if err := key.Validate(); err != nil {
		return "", err
	}
	return key, nil
}

func validID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r == ':' || r == '/' || r == '%' || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
