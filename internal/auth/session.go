// internal/auth/session.go
package auth

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/karchevskii/tictactoe/internal/models"
)

// TokenVerifier checks Ed25519-signed session tokens locally. The "sub"
// claim is the participant id.
type TokenVerifier struct {
	publicKey ed25519.PublicKey
}

// NewTokenVerifier verifies tokens against key.
func NewTokenVerifier(key ed25519.PublicKey) *TokenVerifier {
	return &TokenVerifier{publicKey: key}
}

// LoadTokenVerifier reads a raw Ed25519 public key from path.
func LoadTokenVerifier(path string) (*TokenVerifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key file %s holds %d bytes, want %d", path, len(data), ed25519.PublicKeySize)
	}
	return NewTokenVerifier(ed25519.PublicKey(data)), nil
}

// Resolve verifies tokenString and returns its subject.
func (v *TokenVerifier) Resolve(_ context.Context, tokenString string) (models.ParticipantID, error) {
	if tokenString == "" {
		return "", ErrUnauthenticated
	}
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !t.Valid {
		return "", ErrUnauthenticated
	}

	sub, err := t.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing sub in jwt", ErrUnauthenticated)
	}
	return models.ParticipantID(sub), nil
}
