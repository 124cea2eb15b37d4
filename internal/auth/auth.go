// Package auth verifies bearer credentials and maps roles to capabilities.
// The Provider interface keeps identity external; the built-in JWT provider
// covers deployments without a separate auth service.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

// Identity is the stable result of verifying a credential.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Provider verifies a bearer token and resolves the caller's identity.
type Provider interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

type claims struct {
	DisplayName string `json:"name,omitempty"`
	AvatarURL   string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider verifies HS256 tokens signed with a shared secret. The
// subject claim is the user id.
type JWTProvider struct {
	secret []byte
	issuer string
}

// NewJWTProvider builds a provider around the shared secret. An empty
// issuer skips issuer checking.
func NewJWTProvider(secret, issuer string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates the token and returns the identity.
func (p *JWTProvider) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, protocol.E(protocol.CodeAuthRequired, "missing bearer token")
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, protocol.E(protocol.CodeInvalidToken, "token verification failed")
	}
	if c.Subject == "" {
		return nil, protocol.E(protocol.CodeInvalidToken, "token has no subject")
	}
	if p.issuer != "" && c.Issuer != p.issuer {
		return nil, protocol.E(protocol.CodeInvalidToken, "unexpected issuer")
	}
	name := c.DisplayName
	if name == "" {
		name = c.Subject
	}
	return &Identity{UserID: c.Subject, DisplayName: name, AvatarURL: c.AvatarURL}, nil
}

// Issue signs a token for a user. Used by `POST /auth/refresh` and tests.
func (p *JWTProvider) Issue(userID, displayName string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.secret)
}
