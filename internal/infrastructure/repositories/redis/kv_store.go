package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roomlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisKVStore backs session documents, rate-limit windows, bandwidth
// accumulators and violation records with a shared Redis instance.
type RedisKVStore struct {
	client *redis.Client
	prefix string
}

func NewRedisKVStore(client *redis.Client) ports.KVStore {
	return &RedisKVStore{
		client: client,
		prefix: "roomlink:",
	}
}

func (r *RedisKVStore) key(k string) string {
	return r.prefix + k
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ports.ErrKVMiss
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key from Redis: %w", err)
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key in Redis: %w", err)
	}
	return nil
}

func (r *RedisKVStore) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key from Redis: %w", err)
	}
	return nil
}

func (r *RedisKVStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, r.key(key), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set TTL in Redis: %w", err)
	}
	return nil
}

func (r *RedisKVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(r.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys in Redis: %w", err)
	}
	return keys, nil
}

// Incr increments atomically and applies the TTL only when this call created
// the counter, so the window does not slide on every hit.
func (r *RedisKVStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return r.IncrBy(ctx, key, 1, ttl)
}

func (r *RedisKVStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	full := r.key(key)

	pipe := r.client.TxPipeline()
	incr := pipe.IncrBy(ctx, full, delta)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment key in Redis: %w", err)
	}

	val := incr.Val()
	if val == delta && ttl > 0 {
		if err := r.client.Expire(ctx, full, ttl).Err(); err != nil {
			return val, fmt.Errorf("failed to set counter TTL in Redis: %w", err)
		}
	}
	return val, nil
}
