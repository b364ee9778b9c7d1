package memory

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"roomlink/internal/core/ports"
)

type kvEntry struct {
	value     string
	expiresAt time.Time
}

func (e kvEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryKVStore is the in-process KVStore used for single-instance
// deployments and tests. TTL handling matches the Redis implementation:
// counters keep the TTL applied at creation.
type MemoryKVStore struct {
	mu      sync.Mutex
	entries map[string]kvEntry
}

func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{entries: make(map[string]kvEntry)}
}

func (s *MemoryKVStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(time.Now()) {
		delete(s.entries, key)
		return "", ports.ErrKVMiss
	}
	return entry.value, nil
}

func (s *MemoryKVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := kvEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *MemoryKVStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryKVStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(time.Now()) {
		delete(s.entries, key)
		return nil
	}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	} else {
		entry.expiresAt = time.Time{}
	}
	s.entries[key] = entry
	return nil
}

func (s *MemoryKVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var keys []string
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *MemoryKVStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.IncrBy(ctx, key, 1, ttl)
}

func (s *MemoryKVStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.entries[key]
	if !ok || entry.expired(now) {
		entry = kvEntry{value: "0"}
		if ttl > 0 {
			entry.expiresAt = now.Add(ttl)
		}
	}

	current, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		current = 0
	}
	current += delta
	entry.value = strconv.FormatInt(current, 10)
	s.entries[key] = entry
	return current, nil
}
