// Package auth issues and validates the JWTs that identify users to the API.
// Account management lives elsewhere; this service only proves identity.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims represents JWT claims for access tokens
type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenService signs and validates access tokens.
type TokenService struct {
	secret    []byte
	accessTTL time.Duration
}

// NewTokenService creates a token service.
func NewTokenService(secret string) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		accessTTL: 24 * time.Hour,
	}
}

// GenerateAccessToken mints a signed token for the user.
func (s *TokenService) GenerateAccessToken(userID uuid.UUID) (string, time.Time, error) {
	expiresAt := time.Now().Add(s.accessTTL)
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateAccessToken parses and verifies a token, returning its claims.
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
