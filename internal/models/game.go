// internal/models/game.go
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Mark is the content of a single board cell.
type Mark string

const (
	Empty Mark = ""
	X     Mark = "x"
	O     Mark = "o"
)

// Opponent returns the other mark. Empty has no opponent.
func (m Mark) Opponent() Mark {
	switch m {
	case X:
		return O
	case O:
		return X
	}
	return Empty
}

// Valid reports whether m is a playable mark.
func (m Mark) Valid() bool {
	return m == X || m == O
}

// BoardSize is the fixed number of cells on a 3x3 board.
const BoardSize = 9

// Board is the flat row-major 3x3 grid.
type Board [BoardSize]Mark

// Full reports whether no empty cell remains.
func (b Board) Full() bool {
	for _, c := range b {
		if c == Empty {
			return false
		}
	}
	return true
}

// EmptyCells returns the indexes of all empty cells in ascending order.
func (b Board) EmptyCells() []int {
	cells := make([]int, 0, BoardSize)
	for i, c := range b {
		if c == Empty {
			cells = append(cells, i)
		}
	}
	return cells
}

// Mode selects who the opponent is.
type Mode string

const (
	ModeBot         Mode = "bot"
	ModeMultiplayer Mode = "multiplayer"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeBot || m == ModeMultiplayer
}

// Status is the lifecycle state of a game.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned || s == StatusExpired
}

// CanBecome reports whether a persisted record may move from s to next.
// Staying in the same state is always allowed.
func (s Status) CanBecome(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusWaiting:
		return next == StatusActive || next == StatusAbandoned || next == StatusExpired
	case StatusActive:
		return next == StatusCompleted
	}
	return false
}

// ParticipantID identifies a user or the synthetic opponent. The empty value
// is encoded as JSON null.
type ParticipantID string

// BotID is the identity of the synthetic opponent in bot games.
const BotID ParticipantID = "bot"

func (p ParticipantID) MarshalJSON() ([]byte, error) {
	if p == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(p))
}

// Participants maps each mark to the participant holding it.
type Participants struct {
	X ParticipantID `json:"x"`
	O ParticipantID `json:"o"`
}

// Get returns the participant holding mark m.
func (p Participants) Get(m Mark) ParticipantID {
	switch m {
	case X:
		return p.X
	case O:
		return p.O
	}
	return ""
}

// Winner is the final result: a mark, WinnerDraw, or empty while undecided.
type Winner string

const WinnerDraw Winner = "draw"

func (w Winner) MarshalJSON() ([]byte, error) {
	if w == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(w))
}

// Action tags a move-log entry.
type Action string

const (
	ActionMove              Action = "move"
	ActionDisconnect        Action = "disconnect"
	ActionDisconnectTimeout Action = "disconnect_timeout"
	ActionCreatorAbandoned  Action = "creator_abandoned"
	ActionExpired           Action = "expired"
)

// Move is one entry of the append-only game log. Position is nil for
// events that do not place a mark.
type Move struct {
	Player    ParticipantID `json:"player"`
	Mark      Mark          `json:"mark"`
	Position  *int          `json:"position"`
	Action    Action        `json:"action"`
	Timestamp time.Time     `json:"timestamp"`
}

// Game is the authoritative record of one game, stored as a single JSON
// document in the shared store.
type Game struct {
	ID           string        `json:"id"`
	Mode         Mode          `json:"mode"`
	Status       Status        `json:"status"`
	Board        Board         `json:"board"`
	CurrentTurn  ParticipantID `json:"current_turn"`
	Participants Participants  `json:"participants"`
	Winner       Winner        `json:"winner"`
	Moves        []Move        `json:"moves"`
	CreatedAt    time.Time     `json:"created_at"`
	CreatedBy    ParticipantID `json:"created_by"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	Version      int64         `json:"version"`
}

// MarkOf returns the mark held by participant p.
func (g *Game) MarkOf(p ParticipantID) (Mark, bool) {
	if p == "" {
		return Empty, false
	}
	switch p {
	case g.Participants.X:
		return X, true
	case g.Participants.O:
		return O, true
	}
	return Empty, false
}

// HasParticipant reports whether p occupies either slot.
func (g *Game) HasParticipant(p ParticipantID) bool {
	_, ok := g.MarkOf(p)
	return ok
}

// Opponent returns the participant holding the other slot.
func (g *Game) Opponent(p ParticipantID) ParticipantID {
	m, ok := g.MarkOf(p)
	if !ok {
		return ""
	}
	return g.Participants.Get(m.Opponent())
}

// LastActivity is the timestamp of the newest log entry, falling back to
// the activation time and then the creation time.
func (g *Game) LastActivity() time.Time {
	if n := len(g.Moves); n > 0 {
		return g.Moves[n-1].Timestamp
	}
	if g.StartedAt != nil {
		return *g.StartedAt
	}
	return g.CreatedAt
}

// Clone returns a deep copy.
func (g *Game) Clone() *Game {
	c := *g
	c.Moves = make([]Move, len(g.Moves))
	copy(c.Moves, g.Moves)
	if g.StartedAt != nil {
		t := *g.StartedAt
		c.StartedAt = &t
	}
	return &c
}

// Validate checks the structural invariants of a record.
func (g *Game) Validate() error {
	if g.ID == "" {
		return errors.New("game has no id")
	}
	if !g.Mode.Valid() {
		return fmt.Errorf("game %s: invalid mode %q", g.ID, g.Mode)
	}
	for i, c := range g.Board {
		if c != Empty && !c.Valid() {
			return fmt.Errorf("game %s: invalid mark %q at cell %d", g.ID, c, i)
		}
	}
	if g.CurrentTurn == "" && g.Status == StatusActive {
		return fmt.Errorf("game %s: active game without current turn", g.ID)
	}
	if g.Winner != "" && g.Status != StatusCompleted {
		return fmt.Errorf("game %s: winner set on %s game", g.ID, g.Status)
	}
	return nil
}
