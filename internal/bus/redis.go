package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBus implements Bus on Redis PUBLISH/SUBSCRIBE. The go-redis PubSub
// reconnects and resubscribes on its own, so a Subscription survives
// transient connection loss.
type RedisBus struct {
	rdb redis.UniversalClient
	log logrus.FieldLogger
}

// NewRedisBus creates a bus on an existing client.
func NewRedisBus(rdb redis.UniversalClient, log logrus.FieldLogger) *RedisBus {
	return &RedisBus{rdb: rdb, log: log}
}

// Publish sends env to every subscriber of topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so anything
// published afterwards is delivered.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &redisSubscription{
		ps:     ps,
		out:    make(chan Envelope, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pump(subCtx, b.log.WithField("topic", topic))
	return s, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	out    chan Envelope
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Envelopes() <-chan Envelope { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
		<-s.done
	})
	return err
}

// pump decodes messages until the subscription is closed. Malformed
// payloads are logged and skipped.
func (s *redisSubscription) pump(ctx context.Context, log logrus.FieldLogger) {
	defer close(s.done)
	defer close(s.out)
	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.WithError(err).Warn("dropping malformed envelope")
				continue
			}
			select {
			case s.out <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}
