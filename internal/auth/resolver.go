package auth

import (
	"context"
	"errors"

	"github.com/karchevskii/tictactoe/internal/models"
)

var (
	// ErrUnauthenticated means the credential was checked and rejected.
	ErrUnauthenticated = errors.New("invalid credential")
	// ErrUnavailable means the credential could not be checked at all.
	ErrUnavailable = errors.New("identity service unavailable")
)

// Resolver turns a session credential into a participant id.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (models.ParticipantID, error)
}

// NewResolver prefers the users service when usersURL is set and falls back
// to verifying tokens with the public key at keyPath.
func NewResolver(usersURL, keyPath, cookieName string) (Resolver, error) {
	switch {
	case usersURL != "":
		return NewUsersClient(usersURL, cookieName), nil
	case keyPath != "":
		v, err := LoadTokenVerifier(keyPath)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, errors.New("either a users service URL or a JWT public key is required")
}
