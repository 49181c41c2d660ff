package hub

import (
	"context"
	"sort"
	"sync"

	"github.com/karchevskii/tictactoe/internal/models"
)

// Conn is the send side of one live connection.
type Conn interface {
	Send(ctx context.Context, data []byte) error
}

// Liveness is implemented by connections that keep their peer alive with
// pings. A connection without it is always considered alive.
type Liveness interface {
	Alive() bool
}

func alive(c Conn) bool {
	l, ok := c.(Liveness)
	return !ok || l.Alive()
}

// Directory maps (game, participant) to the live connection terminated by
// this process.
type Directory struct {
	mu    sync.RWMutex
	games map[string]map[models.ParticipantID]Conn
}

func NewDirectory() *Directory {
	return &Directory{games: make(map[string]map[models.ParticipantID]Conn)}
}

// Add registers c. It returns the connection it replaced, if any, and
// whether c is the first local connection of the game.
func (d *Directory) Add(gameID string, p models.ParticipantID, c Conn) (prev Conn, first bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns, ok := d.games[gameID]
	if !ok {
		conns = make(map[models.ParticipantID]Conn)
		d.games[gameID] = conns
	}
	prev = conns[p]
	conns[p] = c
	return prev, !ok
}

// Remove drops the entry only if it still points at c. last is true when
// the game has no local connections left.
func (d *Directory) Remove(gameID string, p models.ParticipantID, c Conn) (removed, last bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns, ok := d.games[gameID]
	if !ok || conns[p] != c {
		return false, false
	}
	delete(conns, p)
	if len(conns) == 0 {
		delete(d.games, gameID)
		return true, true
	}
	return true, false
}

// Get returns the connection of p in gameID.
func (d *Directory) Get(gameID string, p models.ParticipantID) (Conn, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.games[gameID][p]
	return c, ok
}

type target struct {
	participant models.ParticipantID
	conn        Conn
}

// targets snapshots the connections of a game, skipping exclude.
func (d *Directory) targets(gameID string, exclude models.ParticipantID) []target {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conns := d.games[gameID]
	out := make([]target, 0, len(conns))
	for p, c := range conns {
		if exclude != "" && p == exclude {
			continue
		}
		out = append(out, target{participant: p, conn: c})
	}
	return out
}

// Games lists the games with at least one local connection.
func (d *Directory) Games() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.games))
	for id := range d.games {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LiveParticipants lists the locally connected participants of a game,
// leaving out connections whose peer missed its last ping.
func (d *Directory) LiveParticipants(gameID string) []models.ParticipantID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ps := make([]models.ParticipantID, 0, len(d.games[gameID]))
	for p, c := range d.games[gameID] {
		if alive(c) {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}
