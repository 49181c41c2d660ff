// internal/lease/lease.go
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when renewing or releasing a lease someone else owns.
var ErrNotHeld = errors.New("lease not held")

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a renewable, time-bounded exclusive claim on a Redis key. The
// holder writes a random token and only ever extends or deletes the key
// while it still carries that token.
type Lease struct {
	rdb redis.UniversalClient
	key string
	ttl time.Duration

	mu    sync.Mutex
	token string
}

// New prepares a lease on key. Nothing is acquired until Acquire or Hold.
func New(rdb redis.UniversalClient, key string, ttl time.Duration) *Lease {
	return &Lease{rdb: rdb, key: key, ttl: ttl}
}

// Acquire claims the lease if nobody holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok {
		l.mu.Lock()
		l.token = token
		l.mu.Unlock()
	}
	return ok, nil
}

// Renew extends the lease if this holder still owns it. On ErrNotHeld the
// holder has lost the lease and must stop acting as its owner.
func (l *Lease) Renew(ctx context.Context) error {
	token := l.currentToken()
	if token == "" {
		return ErrNotHeld
	}
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	if n == 0 {
		l.forget(token)
		return ErrNotHeld
	}
	return nil
}

// Release gives the lease up if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	token := l.currentToken()
	if token == "" {
		return ErrNotHeld
	}
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Int()
	l.forget(token)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Hold renews the lease when held and otherwise tries to take it. It
// reports whether the caller owns the lease afterwards.
func (l *Lease) Hold(ctx context.Context) (bool, error) {
	if l.Held() {
		err := l.Renew(ctx)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrNotHeld) {
			return false, err
		}
	}
	return l.Acquire(ctx)
}

// Held reports whether this holder believes it owns the lease.
func (l *Lease) Held() bool {
	return l.currentToken() != ""
}

func (l *Lease) currentToken() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

func (l *Lease) forget(token string) {
	l.mu.Lock()
	if l.token == token {
		l.token = ""
	}
	l.mu.Unlock()
}
