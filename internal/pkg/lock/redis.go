// Package lock provides the distributed half of the per-user reservation:
// a Redis key set with NX and a TTL, released only by the token that took it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the key is missing or owned by another token.
var ErrNotHeld = errors.New("lock: not held")

type Locker interface {
	// Acquire takes key for ttl. ok is false when someone else holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release frees key if it is still held with token.
	Release(ctx context.Context, key, token string) error
	GenerateKey(operation, key string) string
}

// releaseScript deletes the key only when it still holds our token, so an
// expired-and-retaken lock is never released by its previous owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client      redis.UniversalClient
	serviceName string
}

// NewRedisLocker connects to addr and namespaces keys with serviceName.
func NewRedisLocker(addr, serviceName string) Locker {
	return NewRedisLockerWithClient(redis.NewClient(&redis.Options{Addr: addr}), serviceName)
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client redis.UniversalClient, serviceName string) Locker {
	return &redisLocker{client: client, serviceName: serviceName}
}

func (r *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock: acquire %q: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *redisLocker) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock: release %q: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *redisLocker) GenerateKey(operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.serviceName, operation, key)
}
