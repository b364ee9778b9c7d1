package domain

import (
	"time"

	"github.com/pion/webrtc/v3"
)

type RoomID string
type ParticipantID string
type ConnectionID string
type UserID string

type ParticipantRole string

const (
	RoleHost  ParticipantRole = "host"
	RoleGuest ParticipantRole = "guest"
)

// RoomSession is the shared session document for one active room. It is
// persisted as JSON in the shared store with a sliding TTL and recreated
// lazily when absent (see SessionCoordinator).
type RoomSession struct {
	RoomID             RoomID                            `json:"room_id"`
	Participants       map[ParticipantID]*ParticipantEntry `json:"participants"`
	IsRecording        bool                              `json:"is_recording"`
	RecordingStartedAt *time.Time                        `json:"recording_started_at,omitempty"`
	RelayConfig        []webrtc.ICEServer                `json:"relay_config,omitempty"`
	RelayConfigExpires *time.Time                        `json:"relay_config_expires_at,omitempty"`
	CreatedAt          time.Time                         `json:"created_at"`
}

type ParticipantEntry struct {
	ID           ParticipantID   `json:"id"`
	DisplayName  string          `json:"display_name"`
	Role         ParticipantRole `json:"role"`
	ConnectionID ConnectionID    `json:"connection_id"`
	JoinedAt     time.Time       `json:"joined_at"`
	LastSeen     time.Time       `json:"last_seen"`
}

// Room is the externally-owned room entity; roomlink only reads it.
type Room struct {
	ID          RoomID `json:"id"`
	HostID      UserID `json:"host_id"`
	IsActive    bool   `json:"is_active"`
	IsRecording bool   `json:"is_recording"`
}

// Guest is the externally-owned guest entity; roomlink only reads it.
type Guest struct {
	ID          UserID `json:"id"`
	RoomID      RoomID `json:"room_id"`
	DisplayName string `json:"display_name"`
	IsActive    bool   `json:"is_active"`
}

// Joinable reports whether a session may be created or entered for the room.
func (r *Room) Joinable() bool {
	return r.IsActive || r.IsRecording
}
