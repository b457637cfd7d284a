package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/session-orchestrator/internal/apperr"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	ti := NewTokenIssuer("secret")

	tok, err := ti.Issue("sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	sid, err := ti.SessionID(tok)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sid)

	assert.NoError(t, ti.Validate(tok, "sess-1"))
}

func TestTokenIssuer_ScopedToOneSession(t *testing.T) {
	ti := NewTokenIssuer("secret")

	tok, err := ti.Issue("sess-1")
	require.NoError(t, err)

	err = ti.Validate(tok, "sess-2")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestTokenIssuer_RejectsForeignSecret(t *testing.T) {
	tok, err := NewTokenIssuer("secret-a").Issue("sess-1")
	require.NoError(t, err)

	_, err = NewTokenIssuer("secret-b").SessionID(tok)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestTokenIssuer_RejectsGarbage(t *testing.T) {
	ti := NewTokenIssuer("secret")
	_, err := ti.SessionID("not-a-jwt")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestTokenIssuer_TokensAreUnique(t *testing.T) {
	ti := NewTokenIssuer("secret")
	a, err := ti.Issue("sess-1")
	require.NoError(t, err)
	b, err := ti.Issue("sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
