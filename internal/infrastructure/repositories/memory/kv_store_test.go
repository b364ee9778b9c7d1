package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"roomlink/internal/core/ports"
)

func TestMemoryKVStore_GetSetDel(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "absent"); !errors.Is(err, ports.ErrKVMiss) {
		t.Fatalf("Get(absent) error = %v, want ErrKVMiss", err)
	}

	if err := store.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	if err := store.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ports.ErrKVMiss) {
		t.Fatalf("Get after Del error = %v, want ErrKVMiss", err)
	}
}

func TestMemoryKVStore_TTLExpiry(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	if _, err := store.Get(ctx, "k"); !errors.Is(err, ports.ErrKVMiss) {
		t.Fatalf("expired key still readable, err = %v", err)
	}
}

func TestMemoryKVStore_IncrKeepsCreationTTL(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.Incr(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if got != want {
			t.Fatalf("Incr = %d, want %d", got, want)
		}
	}

	if got, _ := store.IncrBy(ctx, "counter", -2, time.Minute); got != 1 {
		t.Fatalf("IncrBy(-2) = %d, want 1", got)
	}
}

func TestMemoryKVStore_IncrResetsAfterWindow(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	if got, _ := store.Incr(ctx, "counter", 10*time.Millisecond); got != 1 {
		t.Fatalf("first Incr = %d, want 1", got)
	}
	time.Sleep(25 * time.Millisecond)
	if got, _ := store.Incr(ctx, "counter", 10*time.Millisecond); got != 1 {
		t.Fatalf("Incr after window = %d, want 1", got)
	}
}

func TestMemoryKVStore_KeysPrefix(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	store.Set(ctx, "session:r1", "a", 0)
	store.Set(ctx, "session:r2", "b", 0)
	store.Set(ctx, "other:x", "c", 0)

	keys, err := store.Keys(ctx, "session:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys = %v, want 2 session keys", keys)
	}
}

func TestMemoryKVStore_Expire(t *testing.T) {
	store := NewMemoryKVStore()
	ctx := context.Background()

	store.Set(ctx, "k", "v", 10*time.Millisecond)
	if err := store.Expire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	if _, err := store.Get(ctx, "k"); err != nil {
		t.Fatalf("key expired despite refreshed TTL: %v", err)
	}
}
