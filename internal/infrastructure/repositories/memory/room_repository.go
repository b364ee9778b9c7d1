package memory

import (
	"context"
	"sync"

	"roomlink/internal/core/domain"
)

// MemoryRoomRepository is a seedable in-process room lookup used in tests
// and in single-instance mode where the backend pushes room records over
// an admin hook instead of Redis.
type MemoryRoomRepository struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*domain.Room
}

func NewMemoryRoomRepository() *MemoryRoomRepository {
	return &MemoryRoomRepository{rooms: make(map[domain.RoomID]*domain.Room)}
}

func (r *MemoryRoomRepository) Put(room *domain.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.ID] = room
}

func (r *MemoryRoomRepository) FindByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	copy := *room
	return &copy, nil
}

// MemoryGuestRepository is the in-process counterpart for guest records.
type MemoryGuestRepository struct {
	mu     sync.RWMutex
	guests map[domain.UserID]*domain.Guest
}

func NewMemoryGuestRepository() *MemoryGuestRepository {
	return &MemoryGuestRepository{guests: make(map[domain.UserID]*domain.Guest)}
}

func (r *MemoryGuestRepository) Put(guest *domain.Guest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guests[guest.ID] = guest
}

func (r *MemoryGuestRepository) FindByID(ctx context.Context, id domain.UserID) (*domain.Guest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	guest, ok := r.guests[id]
	if !ok {
		return nil, domain.ErrGuestNotFound
	}
	copy := *guest
	return &copy, nil
}
