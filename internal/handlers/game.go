// internal/handlers/game.go
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/karchevskii/tictactoe/internal/game"
	"github.com/karchevskii/tictactoe/internal/middleware"
	"github.com/karchevskii/tictactoe/internal/models"
)

// CreateGameRequest is the body of POST /game/create. Mark defaults to x.
type CreateGameRequest struct {
	Mode models.Mode `json:"mode"`
	Mark models.Mark `json:"mark"`
}

// HealthHandler reports liveness without authentication.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateGameHandler starts a bot or multiplayer game for the caller.
func CreateGameHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := middleware.ParticipantFrom(r.Context())

		var req CreateGameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "bad create game request payload")
			return
		}
		if req.Mark == models.Empty {
			req.Mark = models.X
		}

		g, err := gs.Service.CreateGame(r.Context(), user, req.Mode, req.Mark)
		if err != nil {
			gs.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}

// ListOpenGamesHandler lists the waiting games the caller could join.
func ListOpenGamesHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := middleware.ParticipantFrom(r.Context())
		games, err := gs.Service.ListOpenGames(r.Context(), user)
		if err != nil {
			gs.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, games)
	}
}

// JoinGameHandler takes the free slot of a waiting game.
func JoinGameHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := middleware.ParticipantFrom(r.Context())
		g, err := gs.Service.JoinGame(r.Context(), chi.URLParam(r, "id"), user)
		if err != nil {
			gs.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}

// GetGameHandler returns the current record of a game.
func GetGameHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := gs.Service.GetGame(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			gs.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}

func (gs *GameServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, game.ErrGameNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, game.ErrNotJoinable), errors.Is(err, game.ErrAlreadyJoined):
		writeError(w, http.StatusConflict, err.Error())
	case game.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		gs.Logger.WithError(err).Error("game request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
