// Package tokenstore stores short-lived bearer tokens issued to WebSocket
// clients. A token is scoped to exactly one session and resolves to the
// participant it was issued for.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// Token is a stored client credential with its scope and issuance time.
type Token struct {
	Value         string    `json:"value"`
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// IsExpired reports whether the token has passed its expiry.
func (t *Token) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// Store defines the token storage interface.
type Store interface {
	// Issue stores a token bound to a session and participant with the given TTL.
	Issue(ctx context.Context, value, sessionID, participantID string, ttl time.Duration) error
	// Resolve returns the token for a value. Returns ErrTokenNotFound or
	// ErrTokenExpired.
	Resolve(ctx context.Context, value string) (*Token, error)
	// Revoke removes a token by value.
	Revoke(ctx context.Context, value string) error
	// Cleanup removes all expired tokens and returns how many were removed.
	Cleanup(ctx context.Context) (int, error)
}
