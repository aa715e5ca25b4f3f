// Package redislock implements stroom.Locker on Redis so that named
// locks hold across engine replicas. Each lock is a single key written
// with SET NX PX and released only by the holder that wrote it.
package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stroomnet/stroom"
)

const keyPrefix = "stroom:lock:"

// releaseScript deletes the lock key only when it still holds this
// owner's token, so an expired lock reacquired elsewhere is never
// released by the previous holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker implements stroom.Locker backed by a Redis instance shared by
// all engine replicas.
type Locker struct {
	client redis.UniversalClient
}

var _ stroom.Locker = (*Locker)(nil)

// New creates a Locker using an existing Redis client. The caller owns
// the client and is responsible for closing it.
func New(client redis.UniversalClient) *Locker {
	return &Locker{client: client}
}

// TryAcquire writes the lock key with NX and the given TTL. Returns a
// nil handle when the key already exists (lock held elsewhere).
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (stroom.LockHandle, error) {
	token := stroom.NewToken()
	ok, err := l.client.SetNX(ctx, keyPrefix+name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redislock: acquire %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &handle{client: l.client, key: keyPrefix + name, token: token}, nil
}

type handle struct {
	client redis.UniversalClient
	key    string
	token  string
	once   sync.Once
}

// Release deletes the lock key if this handle still owns it. Idempotent;
// releasing an expired lock is a no-op.
func (h *handle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		_, rerr := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Result()
		if rerr != nil && rerr != redis.Nil {
			err = fmt.Errorf("redislock: release %s: %w", h.key, rerr)
		}
	})
	return err
}
