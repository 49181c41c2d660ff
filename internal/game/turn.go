package game

import (
	"time"

	"github.com/karchevskii/tictactoe/internal/models"
	"github.com/karchevskii/tictactoe/internal/rules"
)

// placeMark validates a move by p and applies it, settling the game when
// it ends. A rejected move leaves g untouched.
func placeMark(g *models.Game, p models.ParticipantID, pos int, now time.Time) error {
	if g.Status != models.StatusActive {
		return ErrGameNotActive
	}
	if g.CurrentTurn != p {
		return ErrNotYourTurn
	}
	if pos < 0 || pos >= models.BoardSize {
		return ErrInvalidPosition
	}
	if g.Board[pos] != models.Empty {
		return ErrCellOccupied
	}
	mark, ok := g.MarkOf(p)
	if !ok {
		return ErrNotParticipant
	}

	g.Board[pos] = mark
	g.Moves = append(g.Moves, models.Move{
		Player:    p,
		Mark:      mark,
		Position:  &pos,
		Action:    models.ActionMove,
		Timestamp: now,
	})
	settle(g)
	return nil
}

// settle finishes the game on a line or a full board, otherwise passes the
// turn.
func settle(g *models.Game) {
	if w := rules.DetectOutcome(g.Board); w != models.Empty {
		g.Winner = models.Winner(w)
		g.Status = models.StatusCompleted
		return
	}
	if g.Board.Full() {
		g.Winner = models.WinnerDraw
		g.Status = models.StatusCompleted
		return
	}
	g.CurrentTurn = g.Opponent(g.CurrentTurn)
}

// botReply plays the synthetic opponent's move when it is its turn.
func botReply(g *models.Game, now time.Time) bool {
	if g.Mode != models.ModeBot || g.Status != models.StatusActive || g.CurrentTurn != models.BotID {
		return false
	}
	mark, ok := g.MarkOf(models.BotID)
	if !ok {
		return false
	}
	pos, ok := rules.BotMove(g.Board, mark)
	if !ok {
		return false
	}
	return placeMark(g, models.BotID, pos, now) == nil
}

// forfeit ends an active game in favour of the participant who stayed.
func forfeit(g *models.Game, leaver models.ParticipantID, action models.Action, now time.Time) {
	mark, _ := g.MarkOf(leaver)
	g.Winner = models.Winner(mark.Opponent())
	g.Status = models.StatusCompleted
	g.Moves = append(g.Moves, models.Move{
		Player:    leaver,
		Mark:      mark,
		Action:    action,
		Timestamp: now,
	})
}

func abandon(g *models.Game, creator models.ParticipantID, now time.Time) {
	mark, _ := g.MarkOf(creator)
	g.Status = models.StatusAbandoned
	g.Moves = append(g.Moves, models.Move{
		Player:    creator,
		Mark:      mark,
		Action:    models.ActionCreatorAbandoned,
		Timestamp: now,
	})
}

func expire(g *models.Game, now time.Time) {
	g.Status = models.StatusExpired
	g.Moves = append(g.Moves, models.Move{
		Action:    models.ActionExpired,
		Timestamp: now,
	})
}
