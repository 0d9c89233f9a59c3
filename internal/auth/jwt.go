// Package auth verifies connection credentials. Token issuance and account
// management live in the external auth service; this package only validates
// what arrives on a connect frame.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/beaconim/beacon/pkg/models"
)

var (
	// ErrAuthDisabled indicates no secret is configured.
	ErrAuthDisabled = errors.New("auth is not configured")
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("invalid token")
)

// JWTService handles token signing and verification.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService builds a JWT helper with the given secret and expiry.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

// Claims carries the identity fields embedded in a connection credential.
type Claims struct {
	DeviceID string `json:"device_id,omitempty"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given identity. Used by tests and
// dev tooling; production tokens come from the external auth service.
func (s *JWTService) Generate(identity models.Identity) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(identity.UserID) == "" {
		return "", errors.New("user id required")
	}

	claims := Claims{
		DeviceID: strings.TrimSpace(identity.DeviceID),
		Name:     strings.TrimSpace(identity.Name),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	if s.expiry <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Refresh validates a credential and issues a fresh one for the same
// identity with a new expiry.
func (s *JWTService) Refresh(token string) (string, error) {
	identity, err := s.Verify(token)
	if err != nil {
		return "", err
	}
	return s.Generate(identity)
}

// Verify parses and validates a credential and returns the identity in it.
func (s *JWTService) Verify(token string) (models.Identity, error) {
	if s == nil || len(s.secret) == 0 {
		return models.Identity{}, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return models.Identity{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return models.Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return models.Identity{}, ErrInvalidToken
	}
	return models.Identity{
		UserID:   claims.Subject,
		DeviceID: strings.TrimSpace(claims.DeviceID),
		Name:     strings.TrimSpace(claims.Name),
	}, nil
}
