package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the lock only if held by this instance.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Lock is a Redis SET NX lock used to serialize session document writes
// per room across signal instances.
type Lock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	b := make([]byte, 16)
	rand.Read(b)
	return &Lock{
		client: client,
		key:    key,
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire blocks until the lock is held or the timeout elapses.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock acquisition timeout for %s", l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Release frees the lock if this instance still holds it.
func (l *Lock) Release(ctx context.Context) error {
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if v, ok := res.(int64); ok && v == 0 {
		return fmt.Errorf("lock %s was not held by this instance", l.key)
	}
	return nil
}

// LockManager hands out prefixed room locks.
type LockManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewLockManager(client *redis.Client, prefix string, ttl time.Duration) *LockManager {
	return &LockManager{client: client, prefix: prefix, ttl: ttl}
}

// ForKey returns a fresh lock handle for the given key.
func (m *LockManager) ForKey(key string) *Lock {
	return NewLock(m.client, m.prefix+key, m.ttl)
}
