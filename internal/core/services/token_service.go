package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rtcore/internal/core/domain"
)

// TokenClaims is the claim set carried by JWT shaped access tokens. Opaque
// tokens carry none of it.
type TokenClaims struct {
	Channel string `json:"channel,omitempty"`
	UID     uint32 `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// TokenInspector reads claims from access tokens without verifying them. The
// routing service owns the key and makes the real decision; the client only
// uses the claims to warn before expiry and to catch obvious mismatches.
type TokenInspector struct {
	parser *jwt.Parser
}

func NewTokenInspector() *TokenInspector {
	return &TokenInspector{parser: jwt.NewParser()}
}

// Inspect returns the claims of a JWT shaped token. ok is false for opaque tokens.
func (ti *TokenInspector) Inspect(token string) (*TokenClaims, bool) {
	claims := &TokenClaims{}
	if _, _, err := ti.parser.ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// ExpiresAt returns the token expiry when the token carries one.
func (ti *TokenInspector) ExpiresAt(token string) (time.Time, bool) {
	claims, ok := ti.Inspect(token)
	if !ok || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// CheckJoin rejects a token that is already expired at now or was issued for
// another channel or uid. Opaque tokens always pass.
func (ti *TokenInspector) CheckJoin(token, channel string, uid domain.UID, now time.Time) error {
	claims, ok := ti.Inspect(token)
	if !ok {
		return nil
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w: %w", domain.ErrInvalidToken, jwt.ErrTokenExpired)
	}
	if claims.Channel != "" && claims.Channel != channel {
		return fmt.Errorf("%w: issued for another channel", domain.ErrInvalidToken)
	}
	if claims.UID != 0 && uid != 0 && domain.UID(claims.UID) != uid {
		return fmt.Errorf("%w: issued for another uid", domain.ErrInvalidToken)
	}
	return nil
}

// IsExpiredTokenError reports whether err came from an expired token check.
func IsExpiredTokenError(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
