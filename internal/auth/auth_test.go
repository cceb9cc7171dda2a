package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	svc := NewTokenService("test-secret")
	userID := uuid.New()

	token, expiresAt, err := svc.GenerateAccessToken(userID)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), expiresAt, time.Minute)

	claims, err := svc.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, userID.String(), claims.Subject)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, _, err := NewTokenService("secret-a").GenerateAccessToken(uuid.New())
	require.NoError(t, err)

	_, err = NewTokenService("secret-b").ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	svc := NewTokenService("test-secret")
	svc.accessTTL = -time.Hour

	token, _, err := svc.GenerateAccessToken(uuid.New())
	require.NoError(t, err)

	_, err = svc.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc := NewTokenService("test-secret")
	_, err := svc.ValidateAccessToken("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// A token signed with "none" must not pass even if its payload is well formed.
func TestValidateRejectsUnsignedToken(t *testing.T) {
	claims := &Claims{
		UserID: uuid.New(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "someone",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewTokenService("test-secret").ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsNilUserID(t *testing.T) {
	svc := NewTokenService("test-secret")
	token, _, err := svc.GenerateAccessToken(uuid.Nil)
	require.NoError(t, err)

	_, err = svc.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
