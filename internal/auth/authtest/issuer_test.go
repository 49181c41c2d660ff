package authtest

import (
	"crypto/ed25519"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueWithoutTTLOmitsExpiry(t *testing.T) {
	issuer, pub, err := NewIssuer(0)
	require.NoError(t, err)
	tok, err := issuer.Issue("alice")
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (interface{}, error) { return ed25519.PublicKey(pub), nil })
	require.NoError(t, err)
	assert.Equal(t, "alice", claims["sub"])
	assert.NotContains(t, claims, "exp")
}
