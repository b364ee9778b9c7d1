package ports

import (
	"context"
	"time"

	"roomlink/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// SessionCoordinator owns room session state, the participant registry and
// message delivery for live connections.
type SessionCoordinator interface {
	CreateSession(ctx context.Context, roomID domain.RoomID) (*domain.RoomSession, error)
	// GetSession is get-or-create: an absent session is transparently
	// recreated when the backing room is still joinable.
	GetSession(ctx context.Context, roomID domain.RoomID) (*domain.RoomSession, error)
	AddParticipant(ctx context.Context, roomID domain.RoomID, p *domain.ParticipantEntry) error
	// RemoveParticipant of an absent participant is a no-op success.
	RemoveParticipant(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID) error
	TouchParticipant(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID) error
	SetRecording(ctx context.Context, roomID domain.RoomID, recording bool) error
	Broadcast(ctx context.Context, roomID domain.RoomID, message any, exclude domain.ParticipantID) int
	Unicast(participantID domain.ParticipantID, message any) bool
	CleanupExpiredSessions(ctx context.Context) int
	CleanupInactiveConnections() int
}

// CredentialIssuer issues and validates time-limited TURN REST credentials.
type CredentialIssuer interface {
	Issue(userID domain.UserID, role domain.ParticipantRole, clientIP string, ttlSeconds int64) (*domain.RelayCredential, error)
	Validate(username, credential, clientIP string) bool
	IsExpired(username string) bool
	ExtractUserID(username string) string
}

// SecurityGuard performs access-control and abuse checks. All store-backed
// checks honor the configured fail-open/fail-closed policy when the counter
// store is unavailable.
type SecurityGuard interface {
	CheckCredentialRequestRate(ctx context.Context, userID domain.UserID, clientIP string) bool
	CheckConnectionAttemptRate(ctx context.Context, userID domain.UserID, clientIP string) bool
	IsIPAllowed(ctx context.Context, clientIP string) bool
	CheckBandwidthQuota(ctx context.Context, userID domain.UserID, role domain.ParticipantRole, bytesUsed int64) bool
	CheckSessionLimit(ctx context.Context, userID domain.UserID) bool
	ReleaseSession(ctx context.Context, userID domain.UserID)
	RecordViolation(ctx context.Context, v domain.SecurityViolation)
	BlockIPTemporarily(ctx context.Context, ip string, duration time.Duration, reason string)
	IsIPTemporarilyBlocked(ctx context.Context, ip string) bool
	AcquireConnectionSlot(clientIP string) bool
	ReleaseConnectionSlot(clientIP string)
}

// EndpointResolver assembles the ICE server list (STUN + credentialed TURN)
// for a participant.
type EndpointResolver interface {
	Resolve(ctx context.Context, userID domain.UserID, role domain.ParticipantRole, clientIP string) ([]webrtc.ICEServer, error)
	ResolveSTUNOnly() []webrtc.ICEServer
	Invalidate(userID domain.UserID)
}

// RecoveryObserver receives recovery state-machine events.
type RecoveryObserver interface {
	OnRecoveryEvent(ev domain.RecoveryEvent)
}

// RouteRestarter performs the low-level transport operations the recovery
// controller drives. Implementations wrap the per-participant peer handle.
type RouteRestarter interface {
	RestartRoute(ctx context.Context, participantID domain.ParticipantID) error
	Reconnect(ctx context.Context, participantID domain.ParticipantID, servers []webrtc.ICEServer) error
}

// RecoveryController drives failure recovery for live connections.
type RecoveryController interface {
	HandleConnectionFailure(ctx context.Context, participantID domain.ParticipantID, userID domain.UserID, cause error)
	HandleRelayAuthFailure(ctx context.Context, participantID domain.ParticipantID, userID domain.UserID, role domain.ParticipantRole, clientIP string)
	State(participantID domain.ParticipantID) *domain.ConnectionAttemptState
	Reset(participantID domain.ParticipantID)
	Cancel(participantID domain.ParticipantID)
}

// QualityObserver receives connection quality events.
type QualityObserver interface {
	OnQualityEvent(ev domain.QualityEvent)
}

// StatsSource is the slice of a peer connection the quality monitor needs.
// *webrtc.PeerConnection satisfies it.
type StatsSource interface {
	GetStats() webrtc.StatsReport
}

// QualityMonitor samples registered transports and classifies route type and
// quality tier. Ingest accepts externally produced samples, for example
// client-reported stats arriving over the signaling channel or RTCP report
// folding when this node relays media.
type QualityMonitor interface {
	AddConnection(participantID domain.ParticipantID, src StatsSource)
	RemoveConnection(participantID domain.ParticipantID)
	Ingest(participantID domain.ParticipantID, sample domain.QualitySample)
	LatestSample(participantID domain.ParticipantID) (domain.QualitySample, bool)
	Close()
}

// EventSink is the fire-and-forget observability collaborator. Emit must
// never fail or block meaningfully; sink problems stay inside the sink.
type EventSink interface {
	Emit(event string, fields map[string]any)
}
