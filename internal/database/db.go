package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool against databaseURL and pings it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS game_history (
	game_id       TEXT PRIMARY KEY,
	mode          TEXT NOT NULL,
	status        TEXT NOT NULL,
	winner        TEXT,
	participant_x TEXT,
	participant_o TEXT,
	created_by    TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ NOT NULL,
	move_count    INTEGER NOT NULL,
	record        JSONB NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS game_history_participant_x_idx ON game_history (participant_x);
CREATE INDEX IF NOT EXISTS game_history_participant_o_idx ON game_history (participant_o);
`

// EnsureSchema creates the audit-log table if it does not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create game_history schema: %w", err)
	}
	return nil
}
