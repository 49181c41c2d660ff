// internal/cache/redis.go
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key space shared by every process of the game service and the historian.
const (
	GamePrefix           = "game:"
	OpenGamesKey         = "open_games"
	CompletedGamesStream = "completed_games"
	CompletedGamesField  = "data"
	BroadcastPrefix      = "game_broadcasts:"
	PresencePrefix       = "presence:"
	StaleSweeperLease    = "lease:stale_sweeper"
)

// GameKey is the key holding the JSON record of a game.
func GameKey(id string) string { return GamePrefix + id }

// BroadcastTopic is the pub/sub channel carrying envelopes for a game.
func BroadcastTopic(gameID string) string { return BroadcastPrefix + gameID }

// PresenceKey marks a participant as connected to some process.
func PresenceKey(gameID, participant string) string {
	return PresencePrefix + gameID + ":" + participant
}

// Options selects the Redis server.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect dials Redis and verifies the connection with a PING.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}
