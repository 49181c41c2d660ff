package store

import (
	"context"
	"fmt"
	"time"

	"github.com/karchevskii/tictactoe/internal/cache"
	"github.com/karchevskii/tictactoe/internal/models"
	"github.com/redis/go-redis/v9"
)

// clearIfOwner deletes a presence key only while it still names the caller.
var clearIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Presence tracks which participants hold a live connection on any process.
// Each key stores the instance that owns the connection and expires unless
// that instance keeps refreshing it.
type Presence struct {
	rdb   redis.UniversalClient
	owner string
	ttl   time.Duration
}

// NewPresence returns presence tracking for the process identified by owner.
func NewPresence(rdb redis.UniversalClient, owner string, ttl time.Duration) *Presence {
	return &Presence{rdb: rdb, owner: owner, ttl: ttl}
}

// Mark records p as connected to this process. Calling it again refreshes
// the TTL.
func (p *Presence) Mark(ctx context.Context, gameID string, participant models.ParticipantID) error {
	key := cache.PresenceKey(gameID, string(participant))
	if err := p.rdb.Set(ctx, key, p.owner, p.ttl).Err(); err != nil {
		return fmt.Errorf("mark presence %s: %w", key, err)
	}
	return nil
}

// Clear removes the presence of p unless another process has taken it over.
func (p *Presence) Clear(ctx context.Context, gameID string, participant models.ParticipantID) error {
	key := cache.PresenceKey(gameID, string(participant))
	if err := clearIfOwner.Run(ctx, p.rdb, []string{key}, p.owner).Err(); err != nil {
		return fmt.Errorf("clear presence %s: %w", key, err)
	}
	return nil
}

// Connected counts how many of participants are connected anywhere.
func (p *Presence) Connected(ctx context.Context, gameID string, participants ...models.ParticipantID) (int, error) {
	if len(participants) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(participants))
	for _, pid := range participants {
		if pid == "" {
			continue
		}
		keys = append(keys, cache.PresenceKey(gameID, string(pid)))
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := p.rdb.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("count presence for game %s: %w", gameID, err)
	}
	return int(n), nil
}
