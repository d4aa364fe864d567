package websocket

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerHeader(t *testing.T) {
	headers := BearerHeader("abc123")
	assert.Equal(t, "Bearer abc123", headers["Authorization"])
}

func TestSignedBearerHeader(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	headers, err := SignedBearerHeader("my-issuer", key, time.Minute)
	require.NoError(t, err)

	auth := headers["Authorization"]
	require.True(t, len(auth) > len("Bearer "))
	tokenStr := auth[len("Bearer "):]

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
	assert.Equal(t, "my-issuer", claims["iss"])
}
