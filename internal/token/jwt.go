package token

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtRefreshInterval matches the ~55 minute cadence the original
// implementation uses for self-signed JWTs, comfortably inside the
// standard 1-hour token lifetime.
const jwtRefreshInterval = 55 * time.Minute

// ServiceAccountKey is the subset of a GCP service-account JSON key
// file needed to mint self-signed JWTs.
type ServiceAccountKey struct {
	ClientEmail string
	PrivateKey  *rsa.PrivateKey
	KeyID       string
}

// jwtSource signs a fresh JWT locally on every fetch; it makes no
// network calls, so it cannot fail the way the remote sources can.
type jwtSource struct {
	key      ServiceAccountKey
	audience string
}

// NewJWTSource builds a Source that signs RS256 JWTs from key, scoped
// to audience (the target service or token endpoint).
func NewJWTSource(key ServiceAccountKey, audience string) Source {
	return &jwtSource{key: key, audience: audience}
}

func (s *jwtSource) FetchToken(_ context.Context) (Token, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.key.ClientEmail,
		Subject:   s.key.ClientEmail,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtRefreshInterval + 5*time.Minute)),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.key.KeyID != "" {
		tok.Header["kid"] = s.key.KeyID
	}

	signed, err := tok.SignedString(s.key.PrivateKey)
	if err != nil {
		return Token{}, fmt.Errorf("token: signing self-signed JWT: %w", err)
	}

	if err := checkHeaderValue(Token{Value: signed}); err != nil {
		return Token{}, err
	}
	return Token{Value: signed, ExpiresIn: jwtRefreshInterval}, nil
}
