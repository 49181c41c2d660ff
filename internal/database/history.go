// internal/database/history.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/karchevskii/tictactoe/internal/models"
)

// HistoryRecorder writes finished games into game_history.
type HistoryRecorder struct {
	pool *pgxpool.Pool
}

func NewHistoryRecorder(pool *pgxpool.Pool) *HistoryRecorder {
	return &HistoryRecorder{pool: pool}
}

// historyRow is the column set of one game_history row.
type historyRow struct {
	GameID       string
	Mode         string
	Status       string
	Winner       *string
	ParticipantX *string
	ParticipantO *string
	CreatedBy    string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   time.Time
	MoveCount    int
	Record       []byte
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func newHistoryRow(g *models.Game) (historyRow, error) {
	record, err := json.Marshal(g)
	if err != nil {
		return historyRow{}, fmt.Errorf("failed to encode game %s: %w", g.ID, err)
	}
	return historyRow{
		GameID:       g.ID,
		Mode:         string(g.Mode),
		Status:       string(g.Status),
		Winner:       nullable(string(g.Winner)),
		ParticipantX: nullable(string(g.Participants.X)),
		ParticipantO: nullable(string(g.Participants.O)),
		CreatedBy:    string(g.CreatedBy),
		CreatedAt:    g.CreatedAt,
		StartedAt:    g.StartedAt,
		FinishedAt:   g.LastActivity(),
		MoveCount:    len(g.Moves),
		Record:       record,
	}, nil
}

// Record stores g once. Re-delivered games are ignored.
func (h *HistoryRecorder) Record(ctx context.Context, g *models.Game) error {
	row, err := newHistoryRow(g)
	if err != nil {
		return err
	}
	q := `
		INSERT INTO game_history (
			game_id, mode, status, winner, participant_x, participant_o,
			created_by, created_at, started_at, finished_at, move_count, record
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (game_id) DO NOTHING
	`
	return pgx.BeginTxFunc(ctx, h.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q,
			row.GameID, row.Mode, row.Status, row.Winner, row.ParticipantX, row.ParticipantO,
			row.CreatedBy, row.CreatedAt, row.StartedAt, row.FinishedAt, row.MoveCount, row.Record,
		)
		return err
	})
}

// ListGames returns the recorded games participant took part in, newest
// first.
func (h *HistoryRecorder) ListGames(ctx context.Context, participant models.ParticipantID, offset, limit int) ([]*models.Game, error) {
	q := `
		SELECT record
		FROM game_history
		WHERE participant_x = $1 OR participant_o = $1
		ORDER BY finished_at DESC
		OFFSET $2 LIMIT $3
	`
	rows, err := h.pool.Query(ctx, q, string(participant), offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query game history: %w", err)
	}
	defer rows.Close()

	var games []*models.Game
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var g models.Game
		if err := json.Unmarshal(record, &g); err != nil {
			return nil, fmt.Errorf("failed to decode history record: %w", err)
		}
		games = append(games, &g)
	}
	return games, rows.Err()
}
