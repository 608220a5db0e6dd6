package chat

import (
	"sort"
	"strings"
	"time"
)

// MessageState tracks a message through the optimistic send path.
type MessageState int

const (
	// Confirmed messages carry an id assigned by the server.
	Confirmed MessageState = iota
	// Pending messages were appended locally and await the persist response.
	Pending
	// Failed messages could not be persisted. They stay visible until retried.
	Failed
)

func (s MessageState) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one chat line in a room. A locally originated message carries a temporary
// ID equal to its ClientID until the server acknowledges it.
type Message struct {
	ID         string       `json:"id"`
	ClientID   string       `json:"clientId,omitempty"`
	Room       RoomKey      `json:"room"`
	SenderID   string       `json:"senderId"`
	SenderRole Role         `json:"senderRole"`
	SenderName string       `json:"senderName"`
	Content    string       `json:"content"`
	CreatedAt  time.Time    `json:"createdAt"`
	State      MessageState `json:"-"`
}

// Local reports whether the message has not been acknowledged by the server.
func (m Message) Local() bool {
	return m.State != Confirmed
}

// Before orders messages by (CreatedAt, ID).
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return CompareIDs(m.ID, other.ID) < 0
}

// CompareIDs compares message ids. Two decimal ids compare numerically so that "10" sorts after "9";
// numerically equal ids ("01", "1") and anything else compare as plain strings. It returns 0 only
// for identical ids.
func CompareIDs(a, b string) int {
	if isDecimal(a) && isDecimal(b) {
		ta, tb := trimZeros(a), trimZeros(b)
		if len(ta) != len(tb) {
			if len(ta) < len(tb) {
				return -1
			}
			return 1
		}
		if c := strings.Compare(ta, tb); c != 0 {
			return c
		}
	}
	return strings.Compare(a, b)
}

// SortMessages sorts msgs in place by (CreatedAt, ID).
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
