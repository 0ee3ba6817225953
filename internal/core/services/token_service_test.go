package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtcore/internal/core/domain"
)

func signToken(t *testing.T, claims TokenClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("routing-secret"))
	require.NoError(t, err)
	return token
}

func TestTokenInspector_OpaqueTokensPass(t *testing.T) {
	ti := NewTokenInspector()

	_, ok := ti.Inspect("opaque-token")
	assert.False(t, ok)
	_, ok = ti.ExpiresAt("opaque-token")
	assert.False(t, ok)
	assert.NoError(t, ti.CheckJoin("opaque-token", "room-1", 42, time.Now()))
}

func TestTokenInspector_Expiry(t *testing.T) {
	ti := NewTokenInspector()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	token := signToken(t, TokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}})

	exp, ok := ti.ExpiresAt(token)
	require.True(t, ok)
	assert.True(t, exp.Equal(now.Add(time.Hour)))

	assert.NoError(t, ti.CheckJoin(token, "room-1", 42, now))

	err := ti.CheckJoin(token, "room-1", 42, now.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
	assert.True(t, IsExpiredTokenError(err))
}

func TestTokenInspector_ChannelAndUIDMismatch(t *testing.T) {
	ti := NewTokenInspector()
	now := time.Now()
	token := signToken(t, TokenClaims{Channel: "room-1", UID: 42})

	assert.NoError(t, ti.CheckJoin(token, "room-1", 42, now))
	assert.NoError(t, ti.CheckJoin(token, "room-1", 0, now), "uid zero lets the server assign")

	err := ti.CheckJoin(token, "room-2", 42, now)
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
	assert.False(t, IsExpiredTokenError(err))

	assert.ErrorIs(t, ti.CheckJoin(token, "room-1", 7, now), domain.ErrInvalidToken)
}
