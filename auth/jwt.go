// Package auth resolves connection credentials to user identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/becomeliminal/nim-recall/core"
)

// Verifier resolves a credential to a user id.
// Failures are *core.AuthError.
type Verifier interface {
	Verify(ctx context.Context, credential string) (userID string, err error)
}

// JWTConfig configures the HS256 verifier.
type JWTConfig struct {
	// Secret is the shared HMAC key.
	Secret []byte

	// Issuer, when set, must match the iss claim.
	Issuer string

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

// JWTVerifier verifies HS256 tokens whose sub claim is the user id.
// Tokens without exp are rejected.
type JWTVerifier struct {
	config JWTConfig
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier. The secret must not be empty.
func NewJWTVerifier(config JWTConfig) (*JWTVerifier, error) {
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("jwt secret is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	return &JWTVerifier{
		config: config,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify checks the token signature and claims and returns its subject.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return "", &core.AuthError{Reason: "missing credential"}
	}

	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (interface{}, error) {
		return v.config.Secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", &core.AuthError{Reason: "token expired"}
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "", &core.AuthError{Reason: "token has no expiry"}
	default:
		return "", &core.AuthError{Reason: "invalid token"}
	}

	if claims.Subject == "" {
		return "", &core.AuthError{Reason: "token has no subject"}
	}
	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl. Used by the dev token
// command and tests; production tokens come from the identity provider.
func (v *JWTVerifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.config.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
