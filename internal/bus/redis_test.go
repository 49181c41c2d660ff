package bus

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewRedisBus(rdb, log), mr
}

func receive(t *testing.T, sub Subscription) Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.Envelopes():
		require.True(t, ok, "subscription closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
	}
	return Envelope{}
}

func TestPublishSubscribe(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "game_broadcasts:g1")
	require.NoError(t, err)
	defer sub.Close()

	want := Envelope{
		OriginInstanceID:   "i-1",
		GameID:             "g1",
		ExcludeParticipant: "alice",
		Payload:            json.RawMessage(`{"type":"chat","message":"hi","sender":"x"}`),
	}
	require.NoError(t, b.Publish(ctx, "game_broadcasts:g1", want))
	require.NoError(t, b.Publish(ctx, "game_broadcasts:other", Envelope{GameID: "other"}))

	got := receive(t, sub)
	assert.Equal(t, want.OriginInstanceID, got.OriginInstanceID)
	assert.Equal(t, want.GameID, got.GameID)
	assert.Equal(t, want.ExcludeParticipant, got.ExcludeParticipant)
	assert.JSONEq(t, string(want.Payload), string(got.Payload))

	select {
	case env := <-sub.Envelopes():
		t.Fatalf("unexpected envelope for %s", env.GameID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMalformedEnvelopeSkipped(t *testing.T) {
	b, mr := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "topic")
	require.NoError(t, err)
	defer sub.Close()

	mr.Publish("topic", "not json")
	require.NoError(t, b.Publish(ctx, "topic", Envelope{GameID: "g2", Payload: json.RawMessage(`{}`)}))

	assert.Equal(t, "g2", receive(t, sub).GameID)
}

func TestCloseEndsEnvelopes(t *testing.T) {
	b, _ := newTestBus(t)
	sub, err := b.Subscribe(context.Background(), "topic")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	_, ok := <-sub.Envelopes()
	assert.False(t, ok)
	assert.NoError(t, sub.Close())
}
