package signal

import (
	"sync"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"

	"go.uber.org/zap"
)

// Registry tracks live signaling connections with three consistent maps:
// connection->socket, connection->participant, participant->connection.
// Registering a connection for a participant evicts any prior connection
// for that participant, so at most one live connection exists per
// participant at any time.
type Registry struct {
	mu sync.RWMutex

	conns        map[domain.ConnectionID]ports.SignalConn
	participants map[domain.ConnectionID]domain.ParticipantID
	byParticipant map[domain.ParticipantID]domain.ConnectionID

	logger *zap.SugaredLogger
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		conns:         make(map[domain.ConnectionID]ports.SignalConn),
		participants:  make(map[domain.ConnectionID]domain.ParticipantID),
		byParticipant: make(map[domain.ParticipantID]domain.ConnectionID),
		logger:        logger,
	}
}

func (r *Registry) Register(connID domain.ConnectionID, participantID domain.ParticipantID, conn ports.SignalConn) {
	r.mu.Lock()
	prevID, hadPrev := r.byParticipant[participantID]
	var prevConn ports.SignalConn
	if hadPrev {
		prevConn = r.conns[prevID]
		delete(r.conns, prevID)
		delete(r.participants, prevID)
	}
	r.conns[connID] = conn
	r.participants[connID] = participantID
	r.byParticipant[participantID] = connID
	r.mu.Unlock()

	if hadPrev && prevConn != nil {
		prevConn.Close()
		r.logger.Infow("evicted previous connection for reconnecting participant",
			"participant_id", participantID,
			"old_connection_id", prevID,
			"new_connection_id", connID,
		)
	}
}

// Unregister removes connID and reports whether it was still the
// participant's current mapping. An evicted connection returns false so its
// handler skips participant-level teardown.
func (r *Registry) Unregister(connID domain.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	participantID, ok := r.participants[connID]
	current := ok && r.byParticipant[participantID] == connID
	if current {
		delete(r.byParticipant, participantID)
	}
	delete(r.participants, connID)
	delete(r.conns, connID)
	return current
}

func (r *Registry) ConnByParticipant(participantID domain.ParticipantID) (ports.SignalConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.byParticipant[participantID]
	if !ok {
		return nil, false
	}
	conn, ok := r.conns[connID]
	return conn, ok
}

func (r *Registry) ParticipantByConn(connID domain.ConnectionID) (domain.ParticipantID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.participants[connID]
	return id, ok
}

// CloseParticipant closes and removes the participant's live connection.
func (r *Registry) CloseParticipant(participantID domain.ParticipantID) {
	r.mu.Lock()
	connID, ok := r.byParticipant[participantID]
	var conn ports.SignalConn
	if ok {
		conn = r.conns[connID]
		delete(r.conns, connID)
		delete(r.participants, connID)
		delete(r.byParticipant, participantID)
	}
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// SweepDead removes entries whose socket is no longer alive.
func (r *Registry) SweepDead() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for connID, conn := range r.conns {
		if conn.Alive() {
			continue
		}
		if participantID, ok := r.participants[connID]; ok && r.byParticipant[participantID] == connID {
			delete(r.byParticipant, participantID)
		}
		delete(r.participants, connID)
		delete(r.conns, connID)
		removed++
	}
	return removed
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
