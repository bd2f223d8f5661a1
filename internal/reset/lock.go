package reset

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by Acquire when another holder owns the lock.
var ErrLockHeld = errors.New("reset: run lock held by another instance")

// Locker guards a reset run across instances.
type Locker interface {
	// Acquire takes the lock and returns a release func, or ErrLockHeld.
	Acquire(ctx context.Context) (func(), error)
}

const defaultLockKey = "cliproxy:credits:reset:lock"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX PX lock released by compare-and-delete.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisLocker constructs a RedisLocker. An empty key selects the default key.
func NewRedisLocker(client redis.UniversalClient, key string, ttl time.Duration) *RedisLocker {
	if client == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultLockKey
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{client: client, key: key, ttl: ttl}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, errSet := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if errSet != nil {
		return nil, errSet
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err()
	}, nil
}
