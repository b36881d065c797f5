// Package auth issues and validates the session tokens the remote store
// client attaches to writes. Token issuance itself belongs to the external
// auth flow; this package only mints HS256 tokens for the daemon's own
// session and checks expiry so an expired token fails fast as an
// authentication error instead of a confusing write rejection.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired signals the session token is no longer valid.
var ErrTokenExpired = errors.New("session token expired")

// TokenSource provides the current session token for remote writes.
type TokenSource interface {
	Token() (string, error)
}

// Minter self-issues HS256 session tokens for a user and refreshes them
// shortly before expiry.
type Minter struct {
	secret []byte
	userID string
	ttl    time.Duration

	mu      sync.Mutex
	current string
	expires time.Time
}

// NewMinter returns a TokenSource minting tokens for the given user.
func NewMinter(secret, userID string, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Minter{secret: []byte(secret), userID: userID, ttl: ttl}
}

// Token returns a valid session token, minting a fresh one when the cached
// token is within a minute of expiry.
func (m *Minter) Token() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != "" && time.Until(m.expires) > time.Minute {
		return m.current, nil
	}

	expires := time.Now().Add(m.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   m.userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	m.current = token
	m.expires = expires
	return token, nil
}

// Verify parses a session token and returns the subject user id.
func Verify(secret, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("invalid session token: %w", err)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("session token missing subject")
	}
	return subject, nil
}
