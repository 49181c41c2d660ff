// internal/handlers/game_server.go
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/karchevskii/tictactoe/internal/auth"
	"github.com/karchevskii/tictactoe/internal/game"
	"github.com/karchevskii/tictactoe/internal/middleware"
	"github.com/sirupsen/logrus"
)

// GameServer bundles what the HTTP and WebSocket handlers need.
type GameServer struct {
	Service    *game.Service
	Resolver   auth.Resolver
	CookieName string
	// AllowedOrigins feeds both CORS and the socket origin check. Empty
	// allows any origin over CORS and only same-origin sockets.
	AllowedOrigins []string
	// PingInterval paces keepalive pings on game sockets. Zero disables
	// them.
	PingInterval time.Duration
	Logger       logrus.FieldLogger
}

// corsHandler lets the browser client send its session cookie.
func corsHandler(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Cookie"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

// Routes registers every endpoint of the game service.
func (gs *GameServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(corsHandler(gs.AllowedOrigins))

	r.Get("/health", HealthHandler)
	r.Group(func(r chi.Router) {
		r.Use(middleware.LogMiddleware(gs.Logger))
		// the socket resolves identity itself so failures become close codes
		r.Get("/ws/game/{id}", GameWSHandler(gs))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireIdentity(gs.Resolver, gs.CookieName, gs.Logger))
			r.Post("/game/create", CreateGameHandler(gs))
			r.Get("/games/open", ListOpenGamesHandler(gs))
			r.Post("/game/join/{id}", JoinGameHandler(gs))
			r.Get("/game/{id}", GetGameHandler(gs))
		})
	})
	return r
}
