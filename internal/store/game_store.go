// internal/store/game_store.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/karchevskii/tictactoe/internal/cache"
	"github.com/karchevskii/tictactoe/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound          = errors.New("game not found")
	ErrExists            = errors.New("game already exists")
	ErrConflict          = errors.New("game record kept changing, giving up")
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrUnchanged is returned by a mutator that decided not to write.
	ErrUnchanged = errors.New("record unchanged")
)

const defaultMaxRetries = 16

// GameStore keeps game records as JSON documents in Redis together with the
// open_games index and the completed_games stream.
type GameStore struct {
	rdb        redis.UniversalClient
	log        logrus.FieldLogger
	maxRetries int
}

// New creates a store on top of an existing Redis client.
func New(rdb redis.UniversalClient, log logrus.FieldLogger) *GameStore {
	return &GameStore{rdb: rdb, log: log, maxRetries: defaultMaxRetries}
}

// Get loads a record.
func (s *GameStore) Get(ctx context.Context, id string) (*models.Game, error) {
	return load(ctx, s.rdb, id)
}

// GetMany loads every record that still exists, in the order given.
func (s *GameStore) GetMany(ctx context.Context, ids []string) ([]*models.Game, error) {
	games := make([]*models.Game, 0, len(ids))
	for _, id := range ids {
		g, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		games = append(games, g)
	}
	return games, nil
}

// Set replaces a record unconditionally, creating it if missing. The
// version continues from the replaced record. Index maintenance and the
// stream append for a newly completed game happen in the same transaction.
func (s *GameStore) Set(ctx context.Context, g *models.Game) error {
	if err := g.Validate(); err != nil {
		return err
	}
	key := cache.GameKey(g.ID)
	return s.retry(ctx, key, func(tx *redis.Tx) error {
		var prev models.Status
		g.Version = 0
		old, err := load(ctx, tx, g.ID)
		switch {
		case err == nil:
			prev = old.Status
			g.Version = old.Version
		case !errors.Is(err, ErrNotFound):
			return err
		}
		return s.write(ctx, tx, prev, g)
	})
}

// Create stores a new record and fails with ErrExists if the id is taken.
func (s *GameStore) Create(ctx context.Context, g *models.Game) error {
	if err := g.Validate(); err != nil {
		return err
	}
	key := cache.GameKey(g.ID)
	return s.retry(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrExists, g.ID)
		}
		g.Version = 0
		return s.write(ctx, tx, "", g)
	})
}

// Update applies mutate to the current record and writes the result only if
// nobody else wrote the record in between, retrying on conflict. mutate may
// run several times and must not have side effects. The returned record is
// the one persisted. If mutate returns ErrUnchanged the current record is
// returned together with ErrUnchanged and nothing is written.
func (s *GameStore) Update(ctx context.Context, id string, mutate func(*models.Game) error) (*models.Game, error) {
	var result *models.Game
	err := s.retry(ctx, cache.GameKey(id), func(tx *redis.Tx) error {
		prev, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		next := prev.Clone()
		if err := mutate(next); err != nil {
			if errors.Is(err, ErrUnchanged) {
				result = prev
			}
			return err
		}
		if !prev.Status.CanBecome(next.Status) {
			return fmt.Errorf("%w: game %s from %s to %s", ErrIllegalTransition, id, prev.Status, next.Status)
		}
		if err := next.Validate(); err != nil {
			return err
		}
		next.Version = prev.Version
		if err := s.write(ctx, tx, prev.Status, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

// Delete removes a record and its index entry.
func (s *GameStore) Delete(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, cache.GameKey(id))
		pipe.SRem(ctx, cache.OpenGamesKey, id)
		return nil
	})
	return err
}

// ExpireAfter schedules deletion of a record after d and drops it from the
// open index right away.
func (s *GameStore) ExpireAfter(ctx context.Context, id string, d time.Duration) error {
	if d <= 0 {
		return s.Delete(ctx, id)
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, cache.GameKey(id), d)
		pipe.SRem(ctx, cache.OpenGamesKey, id)
		return nil
	})
	return err
}

// OpenGameIDs lists the joinable games.
func (s *GameStore) OpenGameIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, cache.OpenGamesKey).Result()
}

// ScanIDs lists every stored game id.
func (s *GameStore) ScanIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, cache.GamePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), cache.GamePrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan game keys: %w", err)
	}
	return ids, nil
}

// retry runs fn under WATCH on key until the transaction commits.
func (s *GameStore) retry(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.rdb.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.log.WithFields(logrus.Fields{"key": key, "attempt": attempt + 1}).Debug("record changed during update, retrying")
	}
	return fmt.Errorf("%w: %s", ErrConflict, key)
}

// write queues the record and its index changes in a MULTI on tx.
func (s *GameStore) write(ctx context.Context, tx *redis.Tx, prev models.Status, g *models.Game) error {
	g.Version++
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal game %s: %w", g.ID, err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, cache.GameKey(g.ID), data, redis.KeepTTL)
		if g.Mode == models.ModeMultiplayer && g.Status == models.StatusWaiting {
			pipe.SAdd(ctx, cache.OpenGamesKey, g.ID)
		} else {
			pipe.SRem(ctx, cache.OpenGamesKey, g.ID)
		}
		if g.Status == models.StatusCompleted && prev != models.StatusCompleted {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: cache.CompletedGamesStream,
				Values: map[string]interface{}{cache.CompletedGamesField: data},
			})
		}
		return nil
	})
	return err
}

func load(ctx context.Context, c redis.Cmdable, id string) (*models.Game, error) {
	data, err := c.Get(ctx, cache.GameKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get game %s: %w", id, err)
	}
	var g models.Game
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode game %s: %w", id, err)
	}
	return &g, nil
}
