package chat

import "time"

// Role is the portal role a session acts under.
type Role string

const (
	RoleStudent     Role = "student"
	RoleTeacher     Role = "teacher"
	RoleCoordinator Role = "coordinator"
	RoleAlumni      Role = "alumni"
	RoleAdmin       Role = "admin"
)

// Valid reports whether r is one of the known portal roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleCoordinator, RoleAlumni, RoleAdmin:
		return true
	}
	return false
}

// Session is the credential held by the host application plus the identity derived from it.
// The chat core only reads it.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the credential is past its expiry at now.
// A zero ExpiresAt never expires.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
