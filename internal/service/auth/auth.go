package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zhouzirui/nss-chat/backend/internal/model/chat"
)

// Claims is the portal token payload. Subject carries the user id.
type Claims struct {
	Role chat.Role `json:"role"`
	Name string    `json:"name"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies HMAC-signed session tokens for the relay.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer using secret. A non-positive ttl defaults to 12h.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the given identity.
func (i *Issuer) Issue(userID string, role chat.Role, name string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}

	now := i.now()
	claims := Claims{
		Role: role,
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks the signature and expiry of token and returns the session it grants.
// Any failure is reported as chat.ErrAuthRejected.
func (i *Issuer) Verify(token string) (chat.Session, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return chat.Session{}, fmt.Errorf("%w: %v", chat.ErrAuthRejected, err)
	}
	if !parsed.Valid {
		return chat.Session{}, fmt.Errorf("%w: invalid token", chat.ErrAuthRejected)
	}
	return sessionFromClaims(token, claims)
}

// ParseSession derives the identity carried by token without checking its signature.
// The client uses it to label its own messages; the server remains the authority.
func ParseSession(token string, now time.Time) (chat.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return chat.Session{}, fmt.Errorf("%w: empty credential", chat.ErrAuthRejected)
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return chat.Session{}, fmt.Errorf("%w: %v", chat.ErrAuthRejected, err)
	}

	session, err := sessionFromClaims(token, claims)
	if err != nil {
		return chat.Session{}, err
	}
	if session.Expired(now) {
		return chat.Session{}, fmt.Errorf("%w: credential expired at %s", chat.ErrAuthRejected, session.ExpiresAt.Format(time.RFC3339))
	}
	return session, nil
}

func sessionFromClaims(token string, claims *Claims) (chat.Session, error) {
	if claims.Subject == "" {
		return chat.Session{}, fmt.Errorf("%w: token has no subject", chat.ErrAuthRejected)
	}
	session := chat.Session{
		Token:  token,
		UserID: claims.Subject,
		Role:   claims.Role,
		Name:   claims.Name,
	}
	if session.Name == "" {
		session.Name = claims.Subject
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
