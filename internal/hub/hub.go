// internal/hub/hub.go
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/karchevskii/tictactoe/internal/bus"
	"github.com/karchevskii/tictactoe/internal/cache"
	"github.com/karchevskii/tictactoe/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	sendTimeout      = 5 * time.Second
	resubscribeDelay = time.Second
)

// Hub fans game messages out to local connections and, through the bus, to
// the connections held by every other process. Each game with at least one
// local connection has one delivery task that relays envelopes published by
// other processes.
type Hub struct {
	InstanceID string

	dir *Directory
	bus bus.Bus
	log logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*delivery
	wg    sync.WaitGroup
}

type delivery struct {
	cancel context.CancelFunc
	ready  chan struct{}
}

// New creates a hub with a fresh instance id.
func New(b bus.Bus, log logrus.FieldLogger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Hub{
		InstanceID: id,
		dir:        NewDirectory(),
		bus:        b,
		log:        log.WithField("instance", id),
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*delivery),
	}
}

// Attach registers the connection of p. The first local connection of a game
// starts its delivery task; Attach returns once that task is subscribed or
// ctx ends. The replaced connection, if any, is returned so the caller can
// close it.
func (h *Hub) Attach(ctx context.Context, gameID string, p models.ParticipantID, c Conn) Conn {
	h.mu.Lock()
	prev, _ := h.dir.Add(gameID, p, c)
	task, ok := h.tasks[gameID]
	if !ok {
		task = h.startDelivery(gameID)
	}
	h.mu.Unlock()

	select {
	case <-task.ready:
	case <-ctx.Done():
	}
	return prev
}

// Detach removes the connection of p if it is still c. The last local
// connection of a game stops its delivery task. It reports whether c was
// the registered connection.
func (h *Hub) Detach(gameID string, p models.ParticipantID, c Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed, last := h.dir.Remove(gameID, p, c)
	if last {
		if task, ok := h.tasks[gameID]; ok {
			task.cancel()
			delete(h.tasks, gameID)
		}
	}
	return removed
}

// Broadcast delivers msg to every connection of the game except exclude,
// here and on every other process. Failed sends are logged and skipped.
func (h *Hub) Broadcast(ctx context.Context, gameID string, msg any, exclude models.ParticipantID) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	h.deliverLocal(ctx, gameID, payload, exclude)

	env := bus.Envelope{
		OriginInstanceID:   h.InstanceID,
		GameID:             gameID,
		ExcludeParticipant: string(exclude),
		Payload:            payload,
	}
	return h.bus.Publish(ctx, cache.BroadcastTopic(gameID), env)
}

// Send delivers msg to the connection p holds on this process only.
func (h *Hub) Send(ctx context.Context, gameID string, p models.ParticipantID, msg any) error {
	c, ok := h.dir.Get(gameID, p)
	if !ok {
		return fmt.Errorf("participant %s has no connection to game %s here", p, gameID)
	}
	return SendJSON(ctx, c, msg)
}

// LocalGames lists the games with a connection on this process.
func (h *Hub) LocalGames() []string { return h.dir.Games() }

// LiveParticipants lists the local participants whose connection answered
// its last keepalive ping.
func (h *Hub) LiveParticipants(gameID string) []models.ParticipantID {
	return h.dir.LiveParticipants(gameID)
}

// Close stops every delivery task and waits for them to exit.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	h.tasks = make(map[string]*delivery)
	h.mu.Unlock()
	h.wg.Wait()
}

// SendJSON marshals msg and writes it to c with a bounded timeout.
func SendJSON(ctx context.Context, c Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return c.Send(ctx, data)
}

func (h *Hub) deliverLocal(ctx context.Context, gameID string, payload []byte, exclude models.ParticipantID) {
	for _, t := range h.dir.targets(gameID, exclude) {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := t.conn.Send(sendCtx, payload)
		cancel()
		if err != nil {
			h.log.WithFields(logrus.Fields{
				"game_id":     gameID,
				"participant": t.participant,
			}).WithError(err).Warn("failed to deliver message")
		}
	}
}

// startDelivery must be called with h.mu held.
func (h *Hub) startDelivery(gameID string) *delivery {
	ctx, cancel := context.WithCancel(h.ctx)
	task := &delivery{cancel: cancel, ready: make(chan struct{})}
	h.tasks[gameID] = task
	h.wg.Add(1)
	go h.runDelivery(ctx, gameID, task)
	return task
}

// runDelivery relays envelopes from other processes until ctx ends,
// resubscribing whenever the subscription drops.
func (h *Hub) runDelivery(ctx context.Context, gameID string, task *delivery) {
	defer h.wg.Done()
	log := h.log.WithField("game_id", gameID)
	topic := cache.BroadcastTopic(gameID)
	var once sync.Once
	markReady := func() { once.Do(func() { close(task.ready) }) }
	defer markReady()

	for ctx.Err() == nil {
		sub, err := h.bus.Subscribe(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("subscribe failed, retrying")
			markReady()
			select {
			case <-time.After(resubscribeDelay):
				continue
			case <-ctx.Done():
				return
			}
		}
		markReady()
		h.relay(ctx, gameID, sub)
		sub.Close()
	}
}

func (h *Hub) relay(ctx context.Context, gameID string, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Envelopes():
			if !ok {
				return
			}
			if env.OriginInstanceID == h.InstanceID || env.GameID != gameID {
				continue
			}
			h.deliverLocal(ctx, gameID, env.Payload, models.ParticipantID(env.ExcludeParticipant))
		}
	}
}
