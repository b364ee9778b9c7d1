package ports

import "roomlink/internal/core/domain"

// SignalConn is the slice of a signaling socket the coordinator needs.
// *websocket.Conn is wrapped to satisfy it; tests use fakes.
type SignalConn interface {
	WriteJSON(v any) error
	Close() error
	// Alive reports whether the connection is still usable for writes.
	Alive() bool
}

// ConnectionRegistry maintains the bidirectional connection/participant
// mapping. Registering a connection for a participant evicts any prior
// connection for that participant: at most one live connection per
// participant at any time.
type ConnectionRegistry interface {
	Register(connID domain.ConnectionID, participantID domain.ParticipantID, conn SignalConn)
	// Unregister reports whether connID was still the participant's current
	// connection. False means a newer connection evicted it; the caller must
	// not tear down participant-level state.
	Unregister(connID domain.ConnectionID) bool
	ConnByParticipant(participantID domain.ParticipantID) (SignalConn, bool)
	ParticipantByConn(connID domain.ConnectionID) (domain.ParticipantID, bool)
	CloseParticipant(participantID domain.ParticipantID)
	// SweepDead removes entries whose socket is no longer alive and
	// returns how many were removed.
	SweepDead() int
	Len() int
}
