// Copyright 2024-2026 Aiku AI

package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenIssuer is the issuer claim on every action token.
const TokenIssuer = "wakeeper"

// ErrTokenRecipient is returned when a token is presented by a user other
// than the one it was issued to.
var ErrTokenRecipient = errors.New("action token issued to a different user")

// ActionClaims is the signed body of an action token. Subject is the user
// the button was sent to.
type ActionClaims struct {
	Payload
	jwt.RegisteredClaims
}

// TokenSigner signs and verifies action tokens with HMAC-SHA256.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner returns a signer. A non-positive ttl means tokens never expire.
func NewTokenSigner(secret []byte, ttl time.Duration) (*TokenSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("missing action token secret")
	}
	return &TokenSigner{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Sign returns a token carrying action for recipient.
func (s *TokenSigner) Sign(action Action, recipient UserID) (string, error) {
	if recipient == "" {
		return "", errors.New("missing recipient")
	}
	now := s.now()
	claims := ActionClaims{
		Payload: EncodeAction(action),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   TokenIssuer,
			Subject:  string(recipient),
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign action token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature, issuer, expiry and recipient, and
// decodes the action it carries.
func (s *TokenSigner) Verify(tokenString string, presenter UserID) (Action, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &ActionClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithIssuer(TokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("failed to verify action token: %w", err)
	}
	claims, ok := parsed.Claims.(*ActionClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.Subject != string(presenter) {
		return nil, ErrTokenRecipient
	}
	return DecodeAction(claims.Payload)
}
