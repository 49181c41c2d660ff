// internal/game/service.go
package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/karchevskii/tictactoe/internal/hub"
	"github.com/karchevskii/tictactoe/internal/models"
	"github.com/karchevskii/tictactoe/internal/store"
	"github.com/sirupsen/logrus"
)

// Store is the shared game record store.
type Store interface {
	Get(ctx context.Context, id string) (*models.Game, error)
	GetMany(ctx context.Context, ids []string) ([]*models.Game, error)
	Create(ctx context.Context, g *models.Game) error
	Update(ctx context.Context, id string, mutate func(*models.Game) error) (*models.Game, error)
	Delete(ctx context.Context, id string) error
	ExpireAfter(ctx context.Context, id string, d time.Duration) error
	OpenGameIDs(ctx context.Context) ([]string, error)
	ScanIDs(ctx context.Context) ([]string, error)
}

// Broadcaster owns the local connections and the cross-process fan-out.
type Broadcaster interface {
	Attach(ctx context.Context, gameID string, p models.ParticipantID, c hub.Conn) hub.Conn
	Detach(gameID string, p models.ParticipantID, c hub.Conn) bool
	Broadcast(ctx context.Context, gameID string, msg any, exclude models.ParticipantID) error
	Send(ctx context.Context, gameID string, p models.ParticipantID, msg any) error
	LocalGames() []string
	LiveParticipants(gameID string) []models.ParticipantID
}

// PresenceTracker records which participants are connected anywhere.
type PresenceTracker interface {
	Mark(ctx context.Context, gameID string, p models.ParticipantID) error
	Clear(ctx context.Context, gameID string, p models.ParticipantID) error
	Connected(ctx context.Context, gameID string, ps ...models.ParticipantID) (int, error)
}

var botPhrases = []string{
	"Interesting move...",
	"I'm calculating my next move.",
	"Let me think about this.",
	"Are you sure about that?",
	"Hmm, I see what you're doing.",
	"Nice try!",
	"I'm enjoying our game.",
}

type Options struct {
	// FinishedGrace is how long a finished record survives so clients can
	// read the final broadcast. Zero deletes it right away.
	FinishedGrace time.Duration
	Now           func() time.Time
}

// Service drives the turn state machine and the connection lifecycle of
// the games whose connections this process terminates.
type Service struct {
	store    Store
	hub      Broadcaster
	presence PresenceTracker
	log      logrus.FieldLogger

	grace time.Duration
	now   func() time.Time
}

func NewService(st Store, h Broadcaster, p PresenceTracker, log logrus.FieldLogger, opts Options) *Service {
	s := &Service{
		store:    st,
		hub:      h,
		presence: p,
		log:      log,
		grace:    opts.FinishedGrace,
		now:      opts.Now,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Session is one participant's live connection to a game.
type Session struct {
	GameID      string
	Participant models.ParticipantID
	Mark        models.Mark
	Mode        models.Mode
	Conn        hub.Conn
	// Replaced is the previous connection of the same participant on this
	// process, if this one took its place.
	Replaced hub.Conn
}

// CreateGame starts a new game for user, who takes the given mark.
func (s *Service) CreateGame(ctx context.Context, user models.ParticipantID, mode models.Mode, mark models.Mark) (*models.Game, error) {
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}
	if !mark.Valid() {
		return nil, ErrInvalidMark
	}
	now := s.now()
	g := &models.Game{
		ID:        uuid.NewString(),
		Mode:      mode,
		Status:    models.StatusWaiting,
		Moves:     []models.Move{},
		CreatedAt: now,
		CreatedBy: user,
	}
	setSlot(&g.Participants, mark, user)

	if mode == models.ModeBot {
		setSlot(&g.Participants, mark.Opponent(), models.BotID)
		g.Status = models.StatusActive
		g.StartedAt = &now
		g.CurrentTurn = g.Participants.X
		botReply(g, now)
	}

	if err := s.store.Create(ctx, g); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"game_id": g.ID, "mode": mode, "creator": user}).Info("game created")
	return g, nil
}

// ListOpenGames returns the joinable games user is not part of, oldest first.
func (s *Service) ListOpenGames(ctx context.Context, user models.ParticipantID) ([]*models.Game, error) {
	ids, err := s.store.OpenGameIDs(ctx)
	if err != nil {
		return nil, err
	}
	games, err := s.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	open := make([]*models.Game, 0, len(games))
	for _, g := range games {
		if g.Mode != models.ModeMultiplayer || g.Status != models.StatusWaiting || g.HasParticipant(user) {
			continue
		}
		open = append(open, g)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	return open, nil
}

// JoinGame fills the free slot of a waiting game and activates it.
func (s *Service) JoinGame(ctx context.Context, id string, user models.ParticipantID) (*models.Game, error) {
	now := s.now()
	g, err := s.store.Update(ctx, id, func(g *models.Game) error {
		if g.HasParticipant(user) {
			return ErrAlreadyJoined
		}
		if g.Mode != models.ModeMultiplayer || g.Status != models.StatusWaiting {
			return ErrNotJoinable
		}
		switch {
		case g.Participants.X == "":
			g.Participants.X = user
		case g.Participants.O == "":
			g.Participants.O = user
		default:
			return ErrNotJoinable
		}
		if len(g.Moves)%2 == 0 {
			g.CurrentTurn = g.Participants.X
		} else {
			g.CurrentTurn = g.Participants.O
		}
		g.Status = models.StatusActive
		g.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.log.WithFields(logrus.Fields{"game_id": id, "participant": user}).Info("game joined")
	s.broadcast(ctx, id, models.NewGameState(g), "")
	return g, nil
}

// GetGame loads a record.
func (s *Service) GetGame(ctx context.Context, id string) (*models.Game, error) {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return g, nil
}

// Connect registers conn as user's live connection to a game, announces it
// to everyone else and sends the caller a snapshot.
func (s *Service) Connect(ctx context.Context, id string, user models.ParticipantID, conn hub.Conn) (*Session, error) {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	mark, ok := g.MarkOf(user)
	if !ok {
		return nil, ErrNotParticipant
	}

	sess := &Session{GameID: id, Participant: user, Mark: mark, Mode: g.Mode, Conn: conn}
	sess.Replaced = s.hub.Attach(ctx, id, user, conn)
	if err := s.presence.Mark(ctx, id, user); err != nil {
		s.log.WithError(err).WithField("game_id", id).Warn("failed to record presence")
	}
	s.broadcast(ctx, id, models.PlayerMessage{Type: models.MsgPlayerConnected, Player: mark}, user)

	// re-read so the snapshot covers anything that happened while attaching
	if fresh, err := s.store.Get(ctx, id); err == nil {
		g = fresh
	}
	if err := s.hub.Send(ctx, id, user, models.NewGameState(g)); err != nil {
		s.log.WithError(err).WithField("game_id", id).Warn("failed to send initial snapshot")
	}
	return sess, nil
}

// HandleMessage processes one inbound frame. Protocol errors are reported
// to the sender and do not end the session; the returned error is a server
// failure.
func (s *Service) HandleMessage(ctx context.Context, sess *Session, data []byte) error {
	var msg models.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return s.reject(ctx, sess, ErrMalformedMessage)
	}

	var err error
	switch msg.Type {
	case models.MsgMove:
		if msg.Position == nil {
			err = fmt.Errorf("%w: move without position", ErrMalformedMessage)
			break
		}
		_, err = s.ApplyMove(ctx, sess.GameID, sess.Participant, *msg.Position)
	case models.MsgChat:
		err = s.Chat(ctx, sess, msg.Message)
	case models.MsgPing:
		err = hub.SendJSON(ctx, sess.Conn, map[string]string{"type": models.MsgPong})
	default:
		err = fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	if err != nil && IsClientError(err) {
		return s.reject(ctx, sess, err)
	}
	return err
}

// ApplyMove validates and applies a move. In bot games the synthetic
// opponent's reply is applied in the same write. The new state is
// persisted before it is broadcast.
func (s *Service) ApplyMove(ctx context.Context, id string, user models.ParticipantID, pos int) (*models.Game, error) {
	now := s.now()
	g, err := s.store.Update(ctx, id, func(g *models.Game) error {
		if err := placeMark(g, user, pos, now); err != nil {
			return err
		}
		botReply(g, now)
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	s.broadcast(ctx, id, models.NewGameState(g), "")
	if g.Status == models.StatusCompleted {
		s.log.WithFields(logrus.Fields{"game_id": id, "winner": g.Winner}).Info("game completed")
		s.scheduleDeletion(ctx, id)
	}
	return g, nil
}

// Chat relays a chat line. In bot games the line is echoed to the sender
// together with a canned reply from the synthetic opponent.
func (s *Service) Chat(ctx context.Context, sess *Session, message string) error {
	if message == "" {
		return fmt.Errorf("%w: empty chat message", ErrMalformedMessage)
	}
	if sess.Mode == models.ModeBot {
		echo := models.ChatMessage{Type: models.MsgChat, Message: message, Sender: string(sess.Mark)}
		if err := hub.SendJSON(ctx, sess.Conn, echo); err != nil {
			return err
		}
		reply := models.ChatMessage{Type: models.MsgChat, Message: botPhrases[rand.IntN(len(botPhrases))], Sender: models.ChatSenderBot}
		return hub.SendJSON(ctx, sess.Conn, reply)
	}
	s.broadcast(ctx, sess.GameID, models.ChatMessage{Type: models.MsgChat, Message: message, Sender: string(sess.Mark)}, sess.Participant)
	return nil
}

// Disconnect unregisters the session and applies the abandonment rules. A
// session that was already replaced by a newer connection is dropped
// without touching the game.
func (s *Service) Disconnect(ctx context.Context, sess *Session) error {
	if !s.hub.Detach(sess.GameID, sess.Participant, sess.Conn) {
		return nil
	}
	log := s.log.WithFields(logrus.Fields{"game_id": sess.GameID, "participant": sess.Participant})
	if err := s.presence.Clear(ctx, sess.GameID, sess.Participant); err != nil {
		log.WithError(err).Warn("failed to clear presence")
	}

	now := s.now()
	var outcome models.Status
	g, err := s.store.Update(ctx, sess.GameID, func(g *models.Game) error {
		outcome = ""
		switch {
		case g.Mode == models.ModeMultiplayer && g.Status == models.StatusActive:
			forfeit(g, sess.Participant, models.ActionDisconnect, now)
			outcome = models.StatusCompleted
		case g.Mode == models.ModeMultiplayer && g.Status == models.StatusWaiting && g.CreatedBy == sess.Participant:
			abandon(g, sess.Participant, now)
			outcome = models.StatusAbandoned
		default:
			return store.ErrUnchanged
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrUnchanged):
		s.broadcast(ctx, sess.GameID, models.PlayerMessage{Type: models.MsgPlayerDisconnected, Player: sess.Mark}, sess.Participant)
		return nil
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return err
	}

	switch outcome {
	case models.StatusCompleted:
		log.Info("participant left an active game, opponent wins")
		msg := fmt.Sprintf("Player %s disconnected. You win!", sess.Mark)
		s.broadcast(ctx, sess.GameID, models.NewDisconnectionWin(g, msg), sess.Participant)
	case models.StatusAbandoned:
		log.Info("creator left a waiting game")
	}
	s.scheduleDeletion(ctx, sess.GameID)
	return nil
}

// forfeitIdle ends an active multiplayer game in favour of present when
// absent has been silent longer than timeout. The conditions are checked
// again inside the write so a move that lands first wins the race.
func (s *Service) forfeitIdle(ctx context.Context, id string, absent models.ParticipantID, timeout time.Duration) (bool, error) {
	now := s.now()
	g, err := s.store.Update(ctx, id, func(g *models.Game) error {
		if g.Mode != models.ModeMultiplayer || g.Status != models.StatusActive || !g.HasParticipant(absent) {
			return store.ErrUnchanged
		}
		if now.Sub(g.LastActivity()) <= timeout {
			return store.ErrUnchanged
		}
		forfeit(g, absent, models.ActionDisconnectTimeout, now)
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) || errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.log.WithFields(logrus.Fields{"game_id": id, "participant": absent}).Info("participant timed out, opponent wins")
	s.broadcast(ctx, id, models.NewDisconnectionWin(g, "Your opponent disconnected. You win!"), "")
	s.scheduleDeletion(ctx, id)
	return true, nil
}

func (s *Service) reject(ctx context.Context, sess *Session, err error) error {
	s.log.WithFields(logrus.Fields{
		"game_id":     sess.GameID,
		"participant": sess.Participant,
	}).WithError(err).Debug("rejected client message")
	if sendErr := hub.SendJSON(ctx, sess.Conn, models.NewError(clientMessage(err))); sendErr != nil {
		s.log.WithError(sendErr).Warn("failed to send error frame")
	}
	return nil
}

// broadcast never fails the caller; errors are logged.
func (s *Service) broadcast(ctx context.Context, id string, msg any, exclude models.ParticipantID) {
	if err := s.hub.Broadcast(ctx, id, msg, exclude); err != nil {
		s.log.WithError(err).WithField("game_id", id).Warn("broadcast failed")
	}
}

func (s *Service) scheduleDeletion(ctx context.Context, id string) {
	if err := s.store.ExpireAfter(ctx, id, s.grace); err != nil {
		s.log.WithError(err).WithField("game_id", id).Warn("failed to schedule deletion")
	}
}

func setSlot(p *models.Participants, m models.Mark, id models.ParticipantID) {
	if m == models.X {
		p.X = id
	} else {
		p.O = id
	}
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrGameNotFound
	}
	return err
}

// clientMessage strips wrapping so the client sees the sentinel's text.
func clientMessage(err error) string {
	if target, ok := clientError(err); ok {
		return target.Error()
	}
	return err.Error()
}
