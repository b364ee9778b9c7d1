package ports

import (
	"context"
	"time"

	"roomlink/internal/core/domain"
)

// RoomRepository exposes the externally-owned room records.
type RoomRepository interface {
	FindByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
}

// GuestRepository exposes the externally-owned guest records.
type GuestRepository interface {
	FindByID(ctx context.Context, id domain.UserID) (*domain.Guest, error)
}

// KVStore is the shared key-value store used for session documents,
// rate-limit counters, bandwidth accumulators and violation records.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Incr increments the counter at key and applies ttl when the counter
	// is created by this call. Returns the post-increment value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// IncrBy is Incr with an arbitrary signed delta, used for bandwidth
	// accumulators and counter releases.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
}

// ErrKVMiss is returned by KVStore.Get for absent keys. Implementations map
// their native miss sentinel (for example redis.Nil) onto it.
var ErrKVMiss = kvMissError{}

type kvMissError struct{}

func (kvMissError) Error() string { return "kv: key not found" }
