// internal/handlers/history.go
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/karchevskii/tictactoe/internal/auth"
	"github.com/karchevskii/tictactoe/internal/middleware"
	"github.com/karchevskii/tictactoe/internal/models"
	"github.com/sirupsen/logrus"
)

const maxHistoryLimit = 100

// HistoryLister reads the audit log.
type HistoryLister interface {
	ListGames(ctx context.Context, participant models.ParticipantID, offset, limit int) ([]*models.Game, error)
}

// HistoryServer serves the finished games of the caller.
type HistoryServer struct {
	History        HistoryLister
	Resolver       auth.Resolver
	CookieName     string
	AllowedOrigins []string
	Logger         logrus.FieldLogger
}

// Routes registers the history endpoints.
func (hs *HistoryServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(corsHandler(hs.AllowedOrigins))

	r.Get("/health", HealthHandler)
	r.With(
		middleware.LogMiddleware(hs.Logger),
		middleware.RequireIdentity(hs.Resolver, hs.CookieName, hs.Logger),
	).Get("/games", hs.listGames())
	return r
}

// listGames handles GET /games?offset=&limit=.
func (hs *HistoryServer) listGames() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := middleware.ParticipantFrom(r.Context())
		offset, err := queryInt(r, "offset", 0)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		limit, err := queryInt(r, "limit", 10)
		if err != nil || limit <= 0 || limit > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}

		games, err := hs.History.ListGames(r.Context(), user, offset, limit)
		if err != nil {
			hs.Logger.WithError(err).Error("failed to list game history")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if len(games) == 0 {
			writeError(w, http.StatusNotFound, "No games found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"games": games})
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
