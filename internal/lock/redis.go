package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes the key only while it still holds the caller's token, so
// an expired claim never releases its successor's.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Redis is a Locker shared by every engine instance, built on SET NX with a
// TTL and a token-checked unlock.
type Redis struct {
	rdb    redis.Cmdable
	prefix string
	unlock *redis.Script
}

// NewRedis creates a Redis-backed Locker. Keys are stored as prefix+key.
func NewRedis(rdb redis.Cmdable, prefix string) *Redis {
	return &Redis{
		rdb:    rdb,
		prefix: prefix,
		unlock: redis.NewScript(unlockLua),
	}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	k := r.prefix + key

	ok, err := r.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even when the caller's context is already done.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.unlock.Run(ctx, r.rdb, []string{k}, token).Err()
		})
	}, nil
}
