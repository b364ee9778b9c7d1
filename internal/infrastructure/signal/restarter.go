package signal

import (
	"context"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SignalRestarter drives recovery over the signaling channel: the peer
// connection lives in the client, so restart and reconnect are control
// messages the client acts on. Delivery failure means the participant has no
// live signaling connection and recovery cannot proceed.
type SignalRestarter struct {
	coordinator ports.SessionCoordinator
	registry    ports.ConnectionRegistry
	logger      *zap.SugaredLogger
}

func NewSignalRestarter(coordinator ports.SessionCoordinator, registry ports.ConnectionRegistry, logger *zap.SugaredLogger) *SignalRestarter {
	return &SignalRestarter{coordinator: coordinator, registry: registry, logger: logger}
}

type controlData struct {
	Action     string             `json:"action"`
	ICEServers []webrtc.ICEServer `json:"ice_servers,omitempty"`
}

// RestartRoute instructs the client to perform an ICE restart on its
// existing peer connection.
func (r *SignalRestarter) RestartRoute(ctx context.Context, participantID domain.ParticipantID) error {
	return r.send(participantID, controlData{Action: "restart-ice"})
}

// Reconnect instructs the client to rebuild its peer connection with the
// provided ICE server list.
func (r *SignalRestarter) Reconnect(ctx context.Context, participantID domain.ParticipantID, servers []webrtc.ICEServer) error {
	return r.send(participantID, controlData{Action: "reconnect", ICEServers: servers})
}

func (r *SignalRestarter) send(participantID domain.ParticipantID, data controlData) error {
	conn, ok := r.registry.ConnByParticipant(participantID)
	if !ok {
		return domain.ErrNotConnected
	}

	msg, err := Outbound(TypeConnectionStatus, "", participantID, data)
	if err != nil {
		return err
	}
	if werr := conn.WriteJSON(msg); werr != nil {
		r.logger.Infow("control message delivery failed",
			"participant_id", participantID,
			"action", data.Action,
			"error", werr,
		)
		return domain.ErrNotConnected
	}
	return nil
}
