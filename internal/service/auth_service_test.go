package service

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: time.Hour})

	tok, err := svc.GenerateToken(TokenTypeAdmin, 3, []string{"attempts:read"})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeAdmin, claims.TokenType)
	assert.Equal(t, 3, claims.UserID)
	assert.Equal(t, []string{"attempts:read"}, claims.Permissions)
}

func TestValidateTokenRejectsForeignSecretAndExpiry(t *testing.T) {
	issuer := NewAuthService(&config.Config{JWTSecret: "other", JWTExpiry: time.Hour})
	tok, err := issuer.GenerateToken(TokenTypeStudent, 7, nil)
	require.NoError(t, err)

	svc := NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: time.Hour})
	_, err = svc.ValidateToken(tok)
	assert.Error(t, err)

	expired := NewAuthService(&config.Config{JWTSecret: "secret", JWTExpiry: -time.Minute})
	tok, err = expired.GenerateToken(TokenTypeStudent, 7, nil)
	require.NoError(t, err)
	_, err = svc.ValidateToken(tok)
	assert.Error(t, err)
}
