// internal/handlers/game_ws.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/karchevskii/tictactoe/internal/auth"
	"github.com/karchevskii/tictactoe/internal/game"
	"github.com/karchevskii/tictactoe/internal/hub"
	"github.com/karchevskii/tictactoe/internal/middleware"
	"github.com/karchevskii/tictactoe/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	// frames past this are a protocol violation; the socket is closed
	// with 1009 and the session ends like any other disconnect
	readLimit         = 32 << 10
	disconnectTimeout = 10 * time.Second
)

// wsConn adapts a websocket connection to hub.Conn.
type wsConn struct {
	c     *websocket.Conn
	stale atomic.Bool
}

// Alive reports whether the peer answered the last keepalive ping.
func (w *wsConn) Alive() bool { return !w.stale.Load() }

func (w *wsConn) Send(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}

// GameWSHandler upgrades the connection, resolves the caller and binds the
// socket to the game in the path. Failures before the session starts are
// reported as close codes, since browsers cannot read upgrade responses.
func GameWSHandler(gs *GameServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := chi.URLParam(r, "id")
		credential := middleware.Credential(r, gs.CookieName)

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: gs.AllowedOrigins})
		if err != nil {
			gs.Logger.WithError(err).Warn("websocket accept failed")
			return
		}
		c.SetReadLimit(readLimit)
		conn := &wsConn{c: c}
		log := gs.Logger.WithFields(logrus.Fields{"game_id": gameID, "remote": r.RemoteAddr})

		ctx := r.Context()
		user, err := gs.Resolver.Resolve(ctx, credential)
		if err != nil {
			if errors.Is(err, auth.ErrUnavailable) {
				log.WithError(err).Warn("identity lookup failed")
				conn.Close(IdentityUnavailableClose, "authentication service unavailable")
				return
			}
			conn.Close(InvalidCredentialClose, "invalid authentication token")
			return
		}
		log = log.WithField("participant", user)

		sess, err := gs.Service.Connect(ctx, gameID, user, conn)
		switch {
		case errors.Is(err, game.ErrGameNotFound):
			conn.Close(GameNotFoundClose, "game not found")
			return
		case errors.Is(err, game.ErrNotParticipant):
			conn.Close(NotParticipantClose, "not a participant of this game")
			return
		case err != nil:
			log.WithError(err).Error("failed to bind connection")
			conn.Close(StoreFailureClose, "internal server error")
			return
		}
		if prev, ok := sess.Replaced.(*wsConn); ok && prev != nil {
			prev.Close(ReplacedClose, "connected from another session")
		}
		middleware.LogWebSocketConnect(log, r.RemoteAddr, r.URL.Path)

		pingCtx, stopPing := context.WithCancel(ctx)
		if gs.PingInterval > 0 {
			go conn.keepalive(pingCtx, gs.PingInterval, log)
		}
		readErr := gs.readLoop(ctx, sess, conn, log)
		stopPing()

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
		defer cancel()
		if err := gs.Service.Disconnect(dctx, sess); err != nil {
			log.WithError(err).Error("failed to apply disconnect")
		}
		middleware.LogWebSocketDisconnect(log, r.RemoteAddr, r.URL.Path, readErr)
	}
}

// keepalive pings the peer every interval. A ping that goes unanswered for
// a whole interval drops the socket, which ends the read loop.
func (w *wsConn) keepalive(ctx context.Context, interval time.Duration, log logrus.FieldLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := w.c.Ping(pingCtx)
			cancel()
			if err == nil {
				w.stale.Store(false)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.stale.Store(true)
			log.WithError(err).Warn("ping unanswered, dropping connection")
			w.c.CloseNow()
			return
		}
	}
}

// readLoop feeds inbound frames to the service until the peer goes away.
// A clean close returns nil. Server failures while handling a frame are
// reported to the sender as an error frame and the session goes on.
func (gs *GameServer) readLoop(ctx context.Context, sess *game.Session, conn *wsConn, log logrus.FieldLogger) error {
	for {
		typ, data, err := conn.c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := gs.Service.HandleMessage(ctx, sess, data); err != nil {
			log.WithError(err).Error("failed to handle message")
			if err := hub.SendJSON(ctx, conn, models.NewError("internal server error")); err != nil {
				log.WithError(err).Warn("failed to send error frame")
			}
		}
	}
}
