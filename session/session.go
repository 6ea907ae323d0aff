// Package session manages authentication state: single-use challenge
// nonces, signed session tokens and device attestation verification.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/khma-io/khma-node/types"
)

const (
	// ChallengeTTL bounds how long an issued nonce can be answered.
	ChallengeTTL = 2 * time.Minute
	// TokenTTL is the lifetime of a session token.
	TokenTTL = 15 * time.Minute

	nonceSize     = 16 // 128-bit nonces
	maxChallenges = 100_000
)

// Claims is the session token payload. The token carries only derived
// identifiers, never a personal number or document data.
type Claims struct {
	UserID           string `json:"userId"`
	PersonalHash     string `json:"pnHash"`
	DeviceThumbprint string `json:"deviceThumbprint"`
	jwt.RegisteredClaims
}

// Manager issues challenges and session tokens. Challenges are held in an
// expiring in-process cache and consumed exactly once.
type Manager struct {
	jwtSecret  []byte
	challenges *expirable.LRU[string, types.HexBytes]
	mu         sync.Mutex // serializes challenge consume
}

// NewManager creates a session manager signing tokens with jwtSecret.
func NewManager(jwtSecret []byte) *Manager {
	return &Manager{
		jwtSecret:  jwtSecret,
		challenges: expirable.NewLRU[string, types.HexBytes](maxChallenges, nil, ChallengeTTL),
	}
}

// NewChallenge issues a fresh nonce for the given subject (a device id or
// thumbprint). A new challenge replaces any outstanding one of the same
// subject.
func (m *Manager) NewChallenge(subject string) (types.HexBytes, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	m.mu.Lock()
	m.challenges.Add(subject, types.HexBytes(nonce))
	m.mu.Unlock()
	return nonce, nil
}

// ConsumeChallenge atomically checks and deletes the outstanding nonce of a
// subject. It returns false for an unknown, expired, mismatched or already
// consumed nonce; a nonce can never be answered twice.
func (m *Manager) ConsumeChallenge(subject string, nonce types.HexBytes) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.challenges.Get(subject)
	if !ok {
		return false
	}
	m.challenges.Remove(subject)
	return subtle.ConstantTimeCompare(stored, nonce) == 1
}

// IssueToken signs a session token for the given credential.
func (m *Manager) IssueToken(user *types.User, now time.Time) (string, error) {
	claims := &Claims{
		UserID:           user.ID,
		PersonalHash:     user.PersonalHash.Hex(),
		DeviceThumbprint: user.DeviceThumbprint.Hex(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
			Subject:   user.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses and validates a session token.
func (m *Manager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	return claims, nil
}
