package signal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/internal/core/services"
	"roomlink/internal/infrastructure/rtcstats"
	"roomlink/pkg/logger"
	"roomlink/pkg/tracing"
	"roomlink/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServerConfig holds the WebSocket server timings and message limits.
type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
	// MediaIngest accepts raw RTP/RTCP packets on media-status messages,
	// for deployments where a co-located relay mirrors media traffic.
	MediaIngest bool
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageBytes:   64 * 1024,
		MessagesPerSecond: 20,
		MessageBurst:      40,
	}
}

// Server terminates signaling connections: it authenticates joins, brokers
// protocol messages between participants, and tears down per-participant
// state on disconnect.
type Server struct {
	cfg         ServerConfig
	coordinator ports.SessionCoordinator
	registry    ports.ConnectionRegistry
	guard       ports.SecurityGuard
	tokens      *services.TokenService
	resolver    ports.EndpointResolver
	recovery    ports.RecoveryController
	quality     ports.QualityMonitor
	guests      ports.GuestRepository
	sink        ports.EventSink
	logger      *zap.SugaredLogger

	aggMu sync.Mutex
	aggs  map[domain.ParticipantID]*rtcstats.Aggregator
}

func NewServer(
	cfg ServerConfig,
	coordinator ports.SessionCoordinator,
	registry ports.ConnectionRegistry,
	guard ports.SecurityGuard,
	tokens *services.TokenService,
	resolver ports.EndpointResolver,
	recovery ports.RecoveryController,
	quality ports.QualityMonitor,
	guests ports.GuestRepository,
	sink ports.EventSink,
	logger *zap.SugaredLogger,
) *Server {
	if cfg.PingInterval <= 0 {
		cfg = DefaultServerConfig()
	}
	return &Server{
		cfg:         cfg,
		coordinator: coordinator,
		registry:    registry,
		guard:       guard,
		tokens:      tokens,
		resolver:    resolver,
		recovery:    recovery,
		quality:     quality,
		guests:      guests,
		sink:        sink,
		logger:      logger,
		aggs:        make(map[domain.ParticipantID]*rtcstats.Aggregator),
	}
}

// wsConn adapts *websocket.Conn to ports.SignalConn with serialized writes.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *wsConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *wsConn) markDead() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// HandleWebSocket upgrades the connection and runs the signaling loop. Every
// refusal happens before any session state is created.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := domain.RoomID(r.URL.Query().Get("room_id"))
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	clientIP := clientIP(r)

	if roomID == "" {
		http.Error(w, "room_id is required", http.StatusBadRequest)
		return
	}
	if !s.guard.IsIPAllowed(r.Context(), clientIP) {
		http.Error(w, "access denied", http.StatusForbidden)
		return
	}

	claims, err := s.tokens.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID := claims.UserID

	// Guests must have an active invitation record for this room.
	if claims.Role == domain.RoleGuest && s.guests != nil {
		guest, gerr := s.guests.FindByID(r.Context(), userID)
		if gerr != nil {
			http.Error(w, "not invited to this room", http.StatusForbidden)
			return
		}
		if !guest.IsActive || guest.RoomID != roomID {
			http.Error(w, "not invited to this room", http.StatusForbidden)
			return
		}
		if claims.DisplayName == "" {
			claims.DisplayName = guest.DisplayName
		}
	}

	if !s.guard.CheckConnectionAttemptRate(r.Context(), userID, clientIP) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if !s.guard.AcquireConnectionSlot(clientIP) {
		http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
		return
	}
	defer s.guard.ReleaseConnectionSlot(clientIP)

	if !s.guard.CheckSessionLimit(r.Context(), userID) {
		http.Error(w, "session limit reached", http.StatusTooManyRequests)
		return
	}
	defer s.guard.ReleaseSession(context.Background(), userID)

	// Session lookup is also the room existence/activity check; a missing
	// or inactive room refuses the join before the upgrade.
	if _, err := s.coordinator.GetSession(r.Context(), roomID); err != nil {
		switch {
		case errors.Is(err, domain.ErrRoomNotFound):
			http.Error(w, "room not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrRoomInactive):
			http.Error(w, "room is not active", http.StatusConflict)
		default:
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(raw, s.cfg.WriteTimeout)
	defer conn.Close()

	participantID := domain.ParticipantID(userID)
	connID := domain.ConnectionID(utils.GenerateConnectionID())
	entry := &domain.ParticipantEntry{
		ID:           participantID,
		DisplayName:  SanitizeDisplayName(claims.DisplayName),
		Role:         claims.Role,
		ConnectionID: connID,
		JoinedAt:     time.Now(),
		LastSeen:     time.Now(),
	}

	log := logger.WithParticipant(logger.WithRoom(s.logger, string(roomID)), string(participantID))

	s.registry.Register(connID, participantID, conn)
	if err := s.coordinator.AddParticipant(r.Context(), roomID, entry); err != nil {
		log.Errorw("failed to add participant", "error", err)
		s.registry.Unregister(connID)
		return
	}

	log.Infow("participant connected", "connection_id", connID, "role", claims.Role)
	if s.sink != nil {
		s.sink.Emit("participant_connected", map[string]any{
			"room_id": string(roomID),
			"role":    string(claims.Role),
		})
	}

	s.sendJoined(roomID, entry, clientIP)
	s.broadcastParticipantUpdate(roomID, entry, "joined")

	s.runLoop(r.Context(), conn, raw, roomID, entry, clientIP)

	// Cleanup on disconnect. Participant-level state is torn down only when
	// this was still the participant's current connection; an evicted
	// handler must not remove the entry its successor just created.
	conn.markDead()
	if s.registry.Unregister(connID) {
		s.recovery.Cancel(participantID)
		s.quality.RemoveConnection(participantID)
		s.dropAggregator(participantID)
		if err := s.coordinator.RemoveParticipant(context.Background(), roomID, participantID); err != nil {
			log.Infow("error removing participant", "error", err)
		}
		s.broadcastParticipantUpdate(roomID, entry, "left")
	}

	log.Infow("participant disconnected", "connection_id", connID)
	if s.sink != nil {
		s.sink.Emit("participant_disconnected", map[string]any{"room_id": string(roomID)})
	}
}

// runLoop pumps messages until the connection dies or the peer leaves.
func (s *Server) runLoop(ctx context.Context, conn *wsConn, raw *websocket.Conn, roomID domain.RoomID, entry *domain.ParticipantEntry, clientIP string) {
	raw.SetReadLimit(s.cfg.MaxMessageBytes)
	raw.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	limiter := NewMessageLimiter(s.cfg.MessagesPerSecond, s.cfg.MessageBurst)
	messageChan := make(chan Message, 10)
	errorChan := make(chan error, 1)

	// done releases a reader blocked on a full messageChan once the select
	// loop has exited.
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg Message
			if err := raw.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			raw.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if msg.Type == TypeLeave {
				return
			}
			if err := s.handleMessage(ctx, limiter, roomID, entry, clientIP, msg); err != nil {
				s.logger.Infow("error handling message",
					"participant_id", entry.ID,
					"type", msg.Type,
					"error", err,
				)
				s.sendError(conn, roomID, entry.ID, err.Error())
			}

		case <-pingTicker.C:
			conn.mu.Lock()
			raw.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			err := raw.WriteMessage(websocket.PingMessage, nil)
			conn.mu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "participant_id", entry.ID, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message", "participant_id", entry.ID, "error", err)
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, limiter *rate.Limiter, roomID domain.RoomID, entry *domain.ParticipantEntry, clientIP string, msg Message) error {
	if !limiter.Allow() {
		return fmt.Errorf("message rate limit exceeded")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ParticipantID != entry.ID {
		return fmt.Errorf("participant_id mismatch: expected %s, got %s", entry.ID, msg.ParticipantID)
	}
	if msg.RoomID != roomID {
		return fmt.Errorf("room_id mismatch: expected %s, got %s", roomID, msg.RoomID)
	}

	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.Type), string(entry.ID))
	defer span.End()

	switch msg.Type {
	case TypeOffer, TypeAnswer:
		return s.relaySDP(msg)
	case TypeICECandidate:
		return s.relayCandidate(msg)
	case TypeRecordingStatus:
		return s.handleRecordingStatus(ctx, roomID, entry, msg)
	case TypeHeartbeat:
		return s.coordinator.TouchParticipant(ctx, roomID, entry.ID)
	case TypeMediaStatus:
		return s.handleMediaStatus(ctx, roomID, entry, msg)
	case TypeConnectionStatus:
		return s.handleConnectionStatus(ctx, entry, clientIP, msg)
	case TypeParticipantUpdate:
		s.coordinator.Broadcast(ctx, roomID, msg, entry.ID)
		return nil
	default:
		return fmt.Errorf("unhandled message type: %s", msg.Type)
	}
}

// relaySDP forwards an offer or answer to its target participant.
func (s *Server) relaySDP(msg Message) error {
	var data SDPData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}
	if _, ok := s.registry.ConnByParticipant(data.Target); !ok {
		return fmt.Errorf("target participant %s is not connected", data.Target)
	}
	if !s.coordinator.Unicast(data.Target, msg) {
		return fmt.Errorf("delivery to %s failed", data.Target)
	}
	s.logger.Debugw("relayed sdp",
		"type", msg.Type,
		"from", msg.ParticipantID,
		"to", data.Target,
		"sdp_length", len(data.SDP),
	)
	return nil
}

func (s *Server) relayCandidate(msg Message) error {
	var data ICECandidateData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return fmt.Errorf("invalid ice-candidate payload: %w", err)
	}
	if !s.coordinator.Unicast(data.Target, msg) {
		return fmt.Errorf("target participant %s is not connected", data.Target)
	}
	return nil
}

func (s *Server) handleRecordingStatus(ctx context.Context, roomID domain.RoomID, entry *domain.ParticipantEntry, msg Message) error {
	if entry.Role != domain.RoleHost {
		return fmt.Errorf("only the host may change recording status")
	}
	var data RecordingStatusData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return fmt.Errorf("invalid recording-status payload: %w", err)
	}
	if err := s.coordinator.SetRecording(ctx, roomID, data.Recording); err != nil {
		return err
	}
	s.coordinator.Broadcast(ctx, roomID, msg, entry.ID)
	return nil
}

func (s *Server) handleMediaStatus(ctx context.Context, roomID domain.RoomID, entry *domain.ParticipantEntry, msg Message) error {
	var data MediaStatusData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return fmt.Errorf("invalid media-status payload: %w", err)
	}
	if data.BytesUsed > 0 {
		if !s.guard.CheckBandwidthQuota(ctx, domain.UserID(entry.ID), entry.Role, data.BytesUsed) {
			return fmt.Errorf("bandwidth quota exceeded")
		}
	}
	switch {
	case s.cfg.MediaIngest && (len(data.RTPPackets) > 0 || len(data.RTCPPackets) > 0):
		if err := s.ingestMediaPackets(entry.ID, &data); err != nil {
			return err
		}
	case data.Stats != nil:
		s.quality.Ingest(entry.ID, qualitySample(data.Stats))
	}
	s.coordinator.Broadcast(ctx, roomID, msg, entry.ID)
	return nil
}

// ingestMediaPackets folds mirrored RTP/RTCP packets into the participant's
// aggregator and feeds the resulting sample to the quality monitor. Packets
// derive loss, jitter and RTT; the route classification still comes from the
// client-reported stats when present, since only the peer sees the nominated
// candidate pair.
func (s *Server) ingestMediaPackets(id domain.ParticipantID, data *MediaStatusData) error {
	agg := s.aggregatorFor(id)
	if data.Stats != nil && data.Stats.RouteType != "" {
		switch route := domain.RouteType(data.Stats.RouteType); route {
		case domain.RouteDirect, domain.RouteRelay:
			agg.SetRouteType(route)
		}
	}

	now := time.Now()
	for _, enc := range data.RTPPackets {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return fmt.Errorf("invalid rtp packet encoding: %w", err)
		}
		if err := agg.ObserveInboundRTP(raw, now); err != nil {
			return err
		}
	}
	for _, enc := range data.RTCPPackets {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return fmt.Errorf("invalid rtcp packet encoding: %w", err)
		}
		if err := agg.ObserveRTCP(raw, now); err != nil {
			return err
		}
	}

	s.quality.Ingest(id, agg.Snapshot())
	return nil
}

func (s *Server) aggregatorFor(id domain.ParticipantID) *rtcstats.Aggregator {
	s.aggMu.Lock()
	defer s.aggMu.Unlock()
	agg, ok := s.aggs[id]
	if !ok {
		agg = rtcstats.NewAggregator(0)
		s.aggs[id] = agg
	}
	return agg
}

func (s *Server) dropAggregator(id domain.ParticipantID) {
	s.aggMu.Lock()
	delete(s.aggs, id)
	s.aggMu.Unlock()
}

func qualitySample(stats *QualityStatsData) domain.QualitySample {
	route := domain.RouteType(stats.RouteType)
	switch route {
	case domain.RouteDirect, domain.RouteRelay:
	default:
		route = domain.RouteUnknown
	}
	return domain.QualitySample{
		RTT:             time.Duration(stats.RTTMillis) * time.Millisecond,
		Jitter:          stats.Jitter,
		PacketsReceived: stats.PacketsReceived,
		PacketsLost:     stats.PacketsLost,
		PacketsSent:     stats.PacketsSent,
		BytesReceived:   stats.BytesReceived,
		BytesSent:       stats.BytesSent,
		RouteType:       route,
		Timestamp:       time.Now(),
	}
}

// handleConnectionStatus routes client-reported transport failures into the
// recovery controller.
func (s *Server) handleConnectionStatus(ctx context.Context, entry *domain.ParticipantEntry, clientIP string, msg Message) error {
	var data ConnectionStatusData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return fmt.Errorf("invalid connection-status payload: %w", err)
	}

	switch {
	case data.RelayAuth:
		go s.recovery.HandleRelayAuthFailure(context.WithoutCancel(ctx), entry.ID, domain.UserID(entry.ID), entry.Role, clientIP)
	case data.State == "failed" || data.State == "disconnected":
		go s.recovery.HandleConnectionFailure(context.WithoutCancel(ctx), entry.ID, domain.UserID(entry.ID),
			fmt.Errorf("client reported connection state %q", data.State))
	}
	return nil
}

// sendJoined pushes the session snapshot and relay endpoints to the joining
// participant.
func (s *Server) sendJoined(roomID domain.RoomID, entry *domain.ParticipantEntry, clientIP string) {
	servers, err := s.resolver.Resolve(context.Background(), domain.UserID(entry.ID), entry.Role, clientIP)
	if err != nil {
		s.logger.Warnw("could not resolve relay endpoints", "participant_id", entry.ID, "error", err)
	}

	msg, merr := Outbound(TypeJoin, roomID, entry.ID, map[string]any{
		"participant_id": entry.ID,
		"display_name":   entry.DisplayName,
		"role":           entry.Role,
		"ice_servers":    servers,
	})
	if merr != nil {
		s.logger.Errorw("could not build join ack", "error", merr)
		return
	}
	msg.MessageID = utils.GenerateMessageID()
	s.coordinator.Unicast(entry.ID, msg)
}

func (s *Server) broadcastParticipantUpdate(roomID domain.RoomID, entry *domain.ParticipantEntry, event string) {
	msg, err := Outbound(TypeParticipantUpdate, roomID, entry.ID, map[string]any{
		"event":        event,
		"display_name": entry.DisplayName,
		"role":         entry.Role,
	})
	if err != nil {
		s.logger.Errorw("could not build participant update", "error", err)
		return
	}
	s.coordinator.Broadcast(context.Background(), roomID, msg, entry.ID)
}

func (s *Server) sendError(conn ports.SignalConn, roomID domain.RoomID, participantID domain.ParticipantID, message string) {
	msg, err := Outbound(TypeError, roomID, participantID, map[string]string{"message": message})
	if err != nil {
		return
	}
	if werr := conn.WriteJSON(msg); werr != nil {
		s.logger.Debugw("could not deliver error message", "participant_id", participantID, "error", werr)
	}
}

// HealthHandler reports liveness and the live connection count.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.registry.Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := net.ParseIP(xff); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
