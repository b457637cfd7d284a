package sandbox

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/p-blackswan/session-orchestrator/internal/apperr"
)

// TokenIssuer mints and validates sandbox bearer tokens. Each token is an
// HS256 JWT scoped to exactly one session; the sandbox presents it on every
// callback into the actor.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a token issuer with the given signing secret.
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// Issue mints a fresh token for the session.
func (ti *TokenIssuer) Issue(sessionID string) (string, error) {
	claims := jwt.MapClaims{
		"sid": sessionID,
		"jti": uuid.New().String(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("signing sandbox token: %w", err)
	}
	return signed, nil
}

// SessionID validates a token and returns the session it is scoped to.
func (ti *TokenIssuer) SessionID(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil || !token.Valid {
		return "", apperr.Unauthorized("invalid sandbox token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperr.Unauthorized("invalid sandbox token claims")
	}
	sid, _ := claims["sid"].(string)
	if sid == "" {
		return "", apperr.Unauthorized("sandbox token has no session scope")
	}
	return sid, nil
}

// Validate checks that a token is valid and scoped to the given session.
func (ti *TokenIssuer) Validate(tokenString, sessionID string) error {
	sid, err := ti.SessionID(tokenString)
	if err != nil {
		return err
	}
	if sid != sessionID {
		return apperr.Unauthorized("sandbox token is scoped to another session")
	}
	return nil
}
