package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisRoomRepository reads room records owned by the application backend.
// The backend writes them under roomlink:room:<id>; this side never mutates.
type RedisRoomRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		prefix: "roomlink:room:",
	}
}

func (r *RedisRoomRepository) FindByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, r.prefix+string(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &room, nil
}

// RedisGuestRepository reads guest records owned by the application backend.
type RedisGuestRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisGuestRepository(client *redis.Client) ports.GuestRepository {
	return &RedisGuestRepository{
		client: client,
		prefix: "roomlink:guest:",
	}
}

func (r *RedisGuestRepository) FindByID(ctx context.Context, id domain.UserID) (*domain.Guest, error) {
	data, err := r.client.Get(ctx, r.prefix+string(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrGuestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guest from Redis: %w", err)
	}

	var guest domain.Guest
	if err := json.Unmarshal([]byte(data), &guest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal guest: %w", err)
	}
	return &guest, nil
}
