package signal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"roomlink/internal/core/domain"

	"golang.org/x/time/rate"
)

// MessageType is the closed set of signaling message types.
type MessageType string

const (
	TypeJoin              MessageType = "join"
	TypeLeave             MessageType = "leave"
	TypeOffer             MessageType = "offer"
	TypeAnswer            MessageType = "answer"
	TypeICECandidate      MessageType = "ice-candidate"
	TypeRecordingStatus   MessageType = "recording-status"
	TypeParticipantUpdate MessageType = "participant-update"
	TypeConnectionStatus  MessageType = "connection-status"
	TypeMediaStatus       MessageType = "media-status"
	TypeError             MessageType = "error"
	TypeHeartbeat         MessageType = "heartbeat"
)

var validTypes = map[MessageType]struct{}{
	TypeJoin: {}, TypeLeave: {}, TypeOffer: {}, TypeAnswer: {},
	TypeICECandidate: {}, TypeRecordingStatus: {}, TypeParticipantUpdate: {},
	TypeConnectionStatus: {}, TypeMediaStatus: {}, TypeError: {}, TypeHeartbeat: {},
}

// Message is the wire-level signaling envelope.
type Message struct {
	Type          MessageType          `json:"type"`
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Timestamp     int64                `json:"timestamp"`
	MessageID     string               `json:"message_id,omitempty"`
	Data          json.RawMessage      `json:"data,omitempty"`
}

type JoinData struct {
	DisplayName string `json:"display_name"`
}

type SDPData struct {
	SDP    string               `json:"sdp"`
	Target domain.ParticipantID `json:"target"`
}

type ICECandidateData struct {
	Candidate json.RawMessage      `json:"candidate"`
	Target    domain.ParticipantID `json:"target"`
}

type RecordingStatusData struct {
	Recording bool `json:"recording"`
}

type ConnectionStatusData struct {
	State     string `json:"state"`
	RelayAuth bool   `json:"relay_auth_failed,omitempty"`
}

type MediaStatusData struct {
	AudioMuted bool              `json:"audio_muted"`
	VideoMuted bool              `json:"video_muted"`
	BytesUsed  int64             `json:"bytes_used,omitempty"`
	Stats      *QualityStatsData `json:"stats,omitempty"`
	// Raw packets mirrored by a co-located media relay, base64-encoded.
	// Honored only when media ingest is enabled on the server.
	RTPPackets  []string `json:"rtp_packets,omitempty"`
	RTCPPackets []string `json:"rtcp_packets,omitempty"`
}

// QualityStatsData is the client-reported transport stats snapshot carried
// on media-status messages.
type QualityStatsData struct {
	RTTMillis       int64   `json:"rtt_ms"`
	Jitter          float64 `json:"jitter"`
	PacketsReceived int64   `json:"packets_received"`
	PacketsLost     int64   `json:"packets_lost"`
	PacketsSent     int64   `json:"packets_sent"`
	BytesReceived   int64   `json:"bytes_received"`
	BytesSent       int64   `json:"bytes_sent"`
	RouteType       string  `json:"route_type,omitempty"`
}

const (
	maxDisplayNameLen = 64
	maxSDPLen         = 128 * 1024
	maxCandidateLen   = 4 * 1024
)

// Validate checks the envelope and the type-specific payload shape.
func (m *Message) Validate() error {
	if _, ok := validTypes[m.Type]; !ok {
		return fmt.Errorf("unknown message type: %q", m.Type)
	}
	if m.RoomID == "" {
		return fmt.Errorf("room_id is required")
	}
	if m.ParticipantID == "" {
		return fmt.Errorf("participant_id is required")
	}

	switch m.Type {
	case TypeOffer, TypeAnswer:
		var data SDPData
		if err := json.Unmarshal(m.Data, &data); err != nil {
			return fmt.Errorf("invalid %s payload: %w", m.Type, err)
		}
		if err := validateSDP(data.SDP); err != nil {
			return fmt.Errorf("invalid SDP in %s: %w", m.Type, err)
		}
		if data.Target == "" {
			return fmt.Errorf("%s requires a target participant", m.Type)
		}
	case TypeICECandidate:
		var data ICECandidateData
		if err := json.Unmarshal(m.Data, &data); err != nil {
			return fmt.Errorf("invalid ice-candidate payload: %w", err)
		}
		if len(data.Candidate) == 0 {
			return fmt.Errorf("ice candidate is required")
		}
		if len(data.Candidate) > maxCandidateLen {
			return fmt.Errorf("ice candidate exceeds %d bytes", maxCandidateLen)
		}
		if data.Target == "" {
			return fmt.Errorf("ice-candidate requires a target participant")
		}
	case TypeRecordingStatus:
		var data RecordingStatusData
		if err := json.Unmarshal(m.Data, &data); err != nil {
			return fmt.Errorf("invalid recording-status payload: %w", err)
		}
	case TypeJoin:
		var data JoinData
		if err := json.Unmarshal(m.Data, &data); err != nil {
			return fmt.Errorf("invalid join payload: %w", err)
		}
	}
	return nil
}

func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if len(sdp) > maxSDPLen {
		return fmt.Errorf("SDP exceeds %d bytes", maxSDPLen)
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("SDP must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("SDP missing required field %q", field)
		}
	}
	return nil
}

// SanitizeDisplayName strips control characters and bounds the length.
func SanitizeDisplayName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if len(name) > maxDisplayNameLen {
		// Cut on a rune boundary so multi-byte names stay valid UTF-8.
		cut := maxDisplayNameLen
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return name
}

// NewMessageLimiter returns the per-connection signaling rate limiter.
func NewMessageLimiter(perSecond float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Outbound builds a server-originated message envelope.
func Outbound(t MessageType, roomID domain.RoomID, participantID domain.ParticipantID, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s data: %w", t, err)
	}
	return &Message{
		Type:          t,
		RoomID:        roomID,
		ParticipantID: participantID,
		Timestamp:     time.Now().UnixMilli(),
		Data:          raw,
	}, nil
}
