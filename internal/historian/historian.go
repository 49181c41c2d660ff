// internal/historian/historian.go drains the completed_games stream into the
// audit log. Entries are acknowledged only after they were recorded, so a
// crash re-delivers instead of losing games.
package historian

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

// Recorder persists one finished game. It must tolerate being called twice
// for the same game.
type Recorder interface {
	Record(ctx context.Context, g *models.Game) error
}

// Options tunes the consumer. Zero values take the defaults below.
type Options struct {
	Group      string
	Consumer   string
	Count      int64
	Block      time.Duration
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Group == "" {
		o.Group = "game_history"
	}
	if o.Consumer == "" {
		o.Consumer = "historian-1"
	}
	if o.Count <= 0 {
		o.Count = 20
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}

// Consumer reads the stream as one member of a consumer group.
type Consumer struct {
	rdb  redis.UniversalClient
	rec  Recorder
	opts Options
	log  logrus.FieldLogger
}

func NewConsumer(rdb redis.UniversalClient, rec Recorder, log logrus.FieldLogger, opts Options) *Consumer {
	opts = opts.withDefaults()
	return &Consumer{
		rdb:  rdb,
		rec:  rec,
		opts: opts,
		log:  log.WithFields(logrus.Fields{"group": opts.Group, "consumer": opts.Consumer}),
	}
}

// EnsureGroup creates the consumer group, and the stream with it, unless
// it already exists.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, cache.CompletedGamesStream, c.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", c.opts.Group, err)
	}
	return nil
}

// Run consumes until ctx is cancelled. Entries left pending by an earlier
// run, or by a failed attempt, are retried before new ones are read.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.log.Info("historian started")
	defer c.log.Info("historian stopped")

	pending := true
	for ctx.Err() == nil {
		id := ">"
		if pending {
			id = "0"
		}
		n, err := c.poll(ctx, id)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Warn("failed to process completed games")
			pending = true
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.opts.RetryDelay):
			}
		case pending && n == 0:
			pending = false
		}
	}
	return nil
}

// poll reads one batch starting at id and processes it. It returns the
// number of entries read.
func (c *Consumer) poll(ctx context.Context, id string) (int, error) {
	args := &redis.XReadGroupArgs{
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		Streams:  []string{cache.CompletedGamesStream, id},
		Count:    c.opts.Count,
		Block:    -1,
	}
	if id == ">" {
		args.Block = c.opts.Block
	}
	streams, err := c.rdb.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	n := 0
	for _, s := range streams {
		for _, msg := range s.Messages {
			n++
			if err := c.handle(ctx, msg); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) error {
	log := c.log.WithField("entry", msg.ID)
	raw, _ := msg.Values[cache.CompletedGamesField].(string)

	var g models.Game
	if err := json.Unmarshal([]byte(raw), &g); err != nil || g.ID == "" {
		log.WithError(err).Error("dropping undecodable completed game")
		return c.ack(ctx, msg.ID)
	}
	if err := c.rec.Record(ctx, &g); err != nil {
		return fmt.Errorf("failed to record game %s: %w", g.ID, err)
	}
	log.WithField("game_id", g.ID).Debug("game recorded")
	return c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, cache.CompletedGamesStream, c.opts.Group, id)
		pipe.XDel(ctx, cache.CompletedGamesStream, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge entry %s: %w", id, err)
	}
	return nil
}
