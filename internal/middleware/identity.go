package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/karchevskii/tictactoe/internal/auth"
	"github.com/karchevskii/tictactoe/internal/models"
	"github.com/sirupsen/logrus"
)

type participantKey struct{}

// Credential returns the session credential of a request: the named cookie,
// or the token query parameter for clients that cannot set cookies.
func Credential(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

// WithParticipant stores the resolved caller in ctx.
func WithParticipant(ctx context.Context, p models.ParticipantID) context.Context {
	return context.WithValue(ctx, participantKey{}, p)
}

// ParticipantFrom returns the caller resolved by RequireIdentity.
func ParticipantFrom(ctx context.Context) (models.ParticipantID, bool) {
	p, ok := ctx.Value(participantKey{}).(models.ParticipantID)
	return p, ok && p != ""
}

// RequireIdentity resolves the caller before the request reaches next.
// Rejected credentials get 401; an unreachable identity service gets 503.
func RequireIdentity(resolver auth.Resolver, cookieName string, logger logrus.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := Credential(r, cookieName)
			if credential == "" {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			p, err := resolver.Resolve(r.Context(), credential)
			switch {
			case err == nil:
			case errors.Is(err, auth.ErrUnauthenticated):
				http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
				return
			default:
				logger.WithError(err).Warn("identity lookup failed")
				http.Error(w, "Authentication service unavailable", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithParticipant(r.Context(), p)))
		})
	}
}
