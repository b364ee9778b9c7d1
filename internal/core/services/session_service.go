package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/pkg/retry"

	"go.uber.org/zap"
)

const sessionKeyPrefix = "session:"

// RoomLock serializes session writes for one room. Satisfied by
// pkg/distributed locks; nil lockers mean process-local writes only.
type RoomLock interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	Release(ctx context.Context) error
}

// RoomLocker hands out per-room locks.
type RoomLocker interface {
	ForKey(key string) RoomLock
}

// SessionService is the Room Session Coordinator: it owns the session
// documents in the shared store, the participant registry inside them, and
// message delivery to live connections. Session mutations are serialized
// per room through the locker when one is configured; otherwise writes are
// last-writer-wins across processes.
type SessionService struct {
	store    ports.KVStore
	rooms    ports.RoomRepository
	registry ports.ConnectionRegistry
	resolver ports.EndpointResolver
	locker   RoomLocker
	sink     ports.EventSink
	logger   *zap.SugaredLogger

	sessionTTL time.Duration
	nowFn      func() time.Time

	// relay, when set, forwards broadcasts to other signal instances.
	relay func(roomID domain.RoomID, exclude domain.ParticipantID, message any)

	// fallback holds process-local minimal sessions served while the
	// shared store is unavailable.
	mu       sync.Mutex
	fallback map[domain.RoomID]*domain.RoomSession
}

func NewSessionService(
	store ports.KVStore,
	rooms ports.RoomRepository,
	registry ports.ConnectionRegistry,
	resolver ports.EndpointResolver,
	locker RoomLocker,
	sink ports.EventSink,
	sessionTTL time.Duration,
	logger *zap.SugaredLogger,
) *SessionService {
	if sessionTTL <= 0 {
		sessionTTL = time.Hour
	}
	return &SessionService{
		store:      store,
		rooms:      rooms,
		registry:   registry,
		resolver:   resolver,
		locker:     locker,
		sink:       sink,
		logger:     logger,
		sessionTTL: sessionTTL,
		nowFn:      time.Now,
		fallback:   make(map[domain.RoomID]*domain.RoomSession),
	}
}

func sessionKey(roomID domain.RoomID) string {
	return sessionKeyPrefix + string(roomID)
}

// CreateSession verifies the backing room and persists a fresh session
// document. The host's relay endpoints are seeded into the document so
// late joiners can reuse them until expiry.
func (s *SessionService) CreateSession(ctx context.Context, roomID domain.RoomID) (*domain.RoomSession, error) {
	room, err := s.rooms.FindByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.Joinable() {
		return nil, domain.ErrRoomInactive
	}

	now := s.nowFn()
	session := &domain.RoomSession{
		RoomID:       roomID,
		Participants: make(map[domain.ParticipantID]*domain.ParticipantEntry),
		IsRecording:  room.IsRecording,
		CreatedAt:    now,
	}
	if room.IsRecording {
		session.RecordingStartedAt = &now
	}

	if s.resolver != nil {
		servers, rerr := s.resolver.Resolve(ctx, room.HostID, domain.RoleHost, "")
		if rerr != nil {
			s.logger.Warnw("could not seed relay endpoints for session", "room_id", roomID, "error", rerr)
		} else {
			expires := now.Add(s.sessionTTL)
			session.RelayConfig = servers
			session.RelayConfigExpires = &expires
		}
	}

	if err := s.persist(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Infow("created room session", "room_id", roomID, "recording", session.IsRecording)
	if s.sink != nil {
		s.sink.Emit("session_created", map[string]any{"room_id": string(roomID)})
	}
	return session, nil
}

// GetSession loads the session, transparently recreating it when the store
// entry is absent but the room is still joinable (idempotent get-or-create).
// A sliding TTL keeps live sessions from expiring under the participants.
func (s *SessionService) GetSession(ctx context.Context, roomID domain.RoomID) (*domain.RoomSession, error) {
	raw, err := s.store.Get(ctx, sessionKey(roomID))
	if err != nil {
		if errors.Is(err, ports.ErrKVMiss) {
			return s.CreateSession(ctx, roomID)
		}
		s.logger.Warnw("session store unavailable, serving fallback session", "room_id", roomID, "error", err)
		return s.fallbackSession(roomID), nil
	}

	var session domain.RoomSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		s.logger.Errorw("corrupt session document, recreating", "room_id", roomID, "error", err)
		return s.CreateSession(ctx, roomID)
	}
	if session.Participants == nil {
		session.Participants = make(map[domain.ParticipantID]*domain.ParticipantEntry)
	}

	if err := s.store.Expire(ctx, sessionKey(roomID), s.sessionTTL); err != nil {
		s.logger.Debugw("could not refresh session ttl", "room_id", roomID, "error", err)
	}
	return &session, nil
}

// AddParticipant inserts or replaces the participant entry for p.ID.
func (s *SessionService) AddParticipant(ctx context.Context, roomID domain.RoomID, p *domain.ParticipantEntry) error {
	return s.mutate(ctx, roomID, func(session *domain.RoomSession) error {
		if p.JoinedAt.IsZero() {
			p.JoinedAt = s.nowFn()
		}
		p.LastSeen = s.nowFn()
		session.Participants[p.ID] = p
		return nil
	})
}

// RemoveParticipant deletes the entry; removing an absent participant is a
// no-op success.
func (s *SessionService) RemoveParticipant(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID) error {
	return s.mutate(ctx, roomID, func(session *domain.RoomSession) error {
		delete(session.Participants, id)
		return nil
	})
}

// TouchParticipant refreshes the participant's last-seen stamp.
func (s *SessionService) TouchParticipant(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID) error {
	return s.mutate(ctx, roomID, func(session *domain.RoomSession) error {
		entry, ok := session.Participants[id]
		if !ok {
			return domain.ErrParticipantNotFound
		}
		entry.LastSeen = s.nowFn()
		return nil
	})
}

// SetRecording flips the recording flag. The started-at stamp is monotonic:
// the first transition to true sets it and it is never re-stamped while
// recording stays on.
func (s *SessionService) SetRecording(ctx context.Context, roomID domain.RoomID, recording bool) error {
	return s.mutate(ctx, roomID, func(session *domain.RoomSession) error {
		if recording && !session.IsRecording {
			now := s.nowFn()
			session.RecordingStartedAt = &now
		}
		session.IsRecording = recording
		return nil
	})
}

// mutate runs a read-modify-write of the session document under the
// per-room lock when a locker is configured.
func (s *SessionService) mutate(ctx context.Context, roomID domain.RoomID, fn func(*domain.RoomSession) error) error {
	if s.locker != nil {
		lock := s.locker.ForKey(string(roomID))
		if err := lock.Acquire(ctx, 5*time.Second); err != nil {
			s.logger.Warnw("room lock unavailable, proceeding last-writer-wins", "room_id", roomID, "error", err)
		} else {
			defer func() {
				if rerr := lock.Release(ctx); rerr != nil {
					s.logger.Debugw("room lock release failed", "room_id", roomID, "error", rerr)
				}
			}()
		}
	}

	session, err := s.GetSession(ctx, roomID)
	if err != nil {
		return err
	}
	if err := fn(session); err != nil {
		return err
	}
	return s.persist(ctx, session)
}

func (s *SessionService) persist(ctx context.Context, session *domain.RoomSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		return s.store.Set(ctx, sessionKey(session.RoomID), string(data), s.sessionTTL)
	})
	if err != nil {
		// Keep the session usable in-process while the store is down.
		s.mu.Lock()
		s.fallback[session.RoomID] = session
		s.mu.Unlock()
		s.logger.Warnw("session persist failed, holding in-memory copy", "room_id", session.RoomID, "error", err)
		return nil
	}

	s.mu.Lock()
	delete(s.fallback, session.RoomID)
	s.mu.Unlock()
	return nil
}

func (s *SessionService) fallbackSession(roomID domain.RoomID) *domain.RoomSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.fallback[roomID]; ok {
		return session
	}
	session := &domain.RoomSession{
		RoomID:       roomID,
		Participants: make(map[domain.ParticipantID]*domain.ParticipantEntry),
		CreatedAt:    s.nowFn(),
	}
	s.fallback[roomID] = session
	return session
}

// SetRelay installs the cross-instance fan-out hook. Broadcast invokes it
// after local delivery; BroadcastLocal never does, so relayed messages do
// not bounce between instances.
func (s *SessionService) SetRelay(fn func(roomID domain.RoomID, exclude domain.ParticipantID, message any)) {
	s.relay = fn
}

// Broadcast delivers message to every live connection of the session's
// participants except the excluded one, locally and through the relay hook
// when one is installed. Returns the locally delivered count.
func (s *SessionService) Broadcast(ctx context.Context, roomID domain.RoomID, message any, exclude domain.ParticipantID) int {
	delivered := s.BroadcastLocal(ctx, roomID, message, exclude)
	if s.relay != nil {
		s.relay(roomID, exclude, message)
	}
	return delivered
}

// BroadcastLocal delivers only to this instance's connections. Per-recipient
// failures are logged and do not abort the fan-out.
func (s *SessionService) BroadcastLocal(ctx context.Context, roomID domain.RoomID, message any, exclude domain.ParticipantID) int {
	session, err := s.GetSession(ctx, roomID)
	if err != nil {
		s.logger.Warnw("broadcast skipped, no session", "room_id", roomID, "error", err)
		return 0
	}

	delivered := 0
	for id := range session.Participants {
		if id == exclude {
			continue
		}
		conn, ok := s.registry.ConnByParticipant(id)
		if !ok {
			continue
		}
		if werr := conn.WriteJSON(message); werr != nil {
			s.logger.Infow("broadcast delivery failed",
				"room_id", roomID,
				"participant_id", id,
				"error", werr,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Unicast sends message to one participant's live connection; false when
// there is none or the write fails.
func (s *SessionService) Unicast(participantID domain.ParticipantID, message any) bool {
	conn, ok := s.registry.ConnByParticipant(participantID)
	if !ok {
		return false
	}
	if err := conn.WriteJSON(message); err != nil {
		s.logger.Infow("unicast delivery failed", "participant_id", participantID, "error", err)
		return false
	}
	return true
}

// CleanupExpiredSessions sweeps every tracked session and evicts those whose
// backing room vanished or went inactive, closing their registered
// connections. Returns the number of evicted sessions.
func (s *SessionService) CleanupExpiredSessions(ctx context.Context) int {
	keys, err := s.store.Keys(ctx, sessionKeyPrefix)
	if err != nil {
		s.logger.Warnw("session sweep skipped, store unavailable", "error", err)
		return 0
	}

	evicted := 0
	for _, key := range keys {
		roomID := domain.RoomID(strings.TrimPrefix(key, sessionKeyPrefix))
		room, rerr := s.rooms.FindByID(ctx, roomID)
		if rerr == nil && room.Joinable() {
			continue
		}
		if rerr != nil && !errors.Is(rerr, domain.ErrRoomNotFound) {
			continue
		}

		raw, gerr := s.store.Get(ctx, key)
		if gerr == nil {
			var session domain.RoomSession
			if json.Unmarshal([]byte(raw), &session) == nil {
				for id := range session.Participants {
					s.registry.CloseParticipant(id)
				}
			}
		}
		if derr := s.store.Del(ctx, key); derr != nil {
			s.logger.Warnw("failed to evict expired session", "room_id", roomID, "error", derr)
			continue
		}

		s.mu.Lock()
		delete(s.fallback, roomID)
		s.mu.Unlock()

		evicted++
		s.logger.Infow("evicted expired session", "room_id", roomID)
		if s.sink != nil {
			s.sink.Emit("session_evicted", map[string]any{"room_id": string(roomID)})
		}
	}
	return evicted
}

// CleanupInactiveConnections removes registry entries whose socket is
// already closed.
func (s *SessionService) CleanupInactiveConnections() int {
	return s.registry.SweepDead()
}
