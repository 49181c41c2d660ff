package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestOnlyOneHolder(t *testing.T) {
	_, rdb := setup(t)
	ctx := context.Background()
	a := New(rdb, "lease:test", time.Minute)
	b := New(rdb, "lease:test", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, b.Held())

	assert.ErrorIs(t, b.Renew(ctx), ErrNotHeld)
	assert.ErrorIs(t, b.Release(ctx), ErrNotHeld)
	require.NoError(t, a.Renew(ctx))
}

func TestRenewExtendsTTL(t *testing.T) {
	mr, rdb := setup(t)
	ctx := context.Background()
	l := New(rdb, "lease:test", 10*time.Second)

	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(8 * time.Second)
	require.NoError(t, l.Renew(ctx))
	mr.FastForward(8 * time.Second)
	assert.True(t, mr.Exists("lease:test"))
}

func TestLostLeaseStopsRenewing(t *testing.T) {
	mr, rdb := setup(t)
	ctx := context.Background()
	a := New(rdb, "lease:test", 10*time.Second)
	b := New(rdb, "lease:test", 10*time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)
	ok, err = b.Hold(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, a.Renew(ctx), ErrNotHeld)
	assert.False(t, a.Held())

	owner, err := mr.Get("lease:test")
	require.NoError(t, err)
	assert.Equal(t, b.currentToken(), owner)
}

func TestHoldRenewsThenReacquires(t *testing.T) {
	mr, rdb := setup(t)
	ctx := context.Background()
	l := New(rdb, "lease:test", 10*time.Second)

	ok, err := l.Hold(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	first := l.currentToken()

	ok, err = l.Hold(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, l.currentToken())

	mr.Del("lease:test")
	ok, err = l.Hold(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, first, l.currentToken())
}

func TestRelease(t *testing.T) {
	mr, rdb := setup(t)
	ctx := context.Background()
	l := New(rdb, "lease:test", time.Minute)

	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx))
	assert.False(t, mr.Exists("lease:test"))
	assert.False(t, l.Held())
}
