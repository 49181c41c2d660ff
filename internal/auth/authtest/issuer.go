// Package authtest issues session tokens that auth.TokenVerifier accepts.
// The game service never issues tokens itself.
package authtest

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/karchevskii/tictactoe/internal/models"
)

// Issuer signs session tokens with a throwaway key.
type Issuer struct {
	privateKey ed25519.PrivateKey
	ttl        time.Duration
}

// NewIssuer generates a fresh key pair. A zero ttl issues tokens without
// an exp claim.
func NewIssuer(ttl time.Duration) (*Issuer, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Issuer{privateKey: priv, ttl: ttl}, pub, nil
}

// Issue creates a signed token with "sub" = participant.
func (i *Issuer) Issue(participant models.ParticipantID) (string, error) {
	claims := jwt.MapClaims{"sub": string(participant)}
	if i.ttl > 0 {
		claims["exp"] = time.Now().Add(i.ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(i.privateKey)
}
