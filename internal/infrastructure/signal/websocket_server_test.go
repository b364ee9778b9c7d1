package signal

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/internal/core/services"
	"roomlink/internal/infrastructure/repositories/memory"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	webrtclib "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const harnessJWTSecret = "server-test-signing-secret"

type allowAllGuard struct{}

func (allowAllGuard) CheckCredentialRequestRate(ctx context.Context, userID domain.UserID, clientIP string) bool {
	return true
}
func (allowAllGuard) CheckConnectionAttemptRate(ctx context.Context, userID domain.UserID, clientIP string) bool {
	return true
}
func (allowAllGuard) IsIPAllowed(ctx context.Context, clientIP string) bool { return true }
func (allowAllGuard) CheckBandwidthQuota(ctx context.Context, userID domain.UserID, role domain.ParticipantRole, bytesUsed int64) bool {
	return true
}
func (allowAllGuard) CheckSessionLimit(ctx context.Context, userID domain.UserID) bool { return true }
func (allowAllGuard) ReleaseSession(ctx context.Context, userID domain.UserID)         {}
func (allowAllGuard) RecordViolation(ctx context.Context, v domain.SecurityViolation)  {}
func (allowAllGuard) BlockIPTemporarily(ctx context.Context, ip string, duration time.Duration, reason string) {
}
func (allowAllGuard) IsIPTemporarilyBlocked(ctx context.Context, ip string) bool { return false }
func (allowAllGuard) AcquireConnectionSlot(clientIP string) bool                 { return true }
func (allowAllGuard) ReleaseConnectionSlot(clientIP string)                      {}

type staticResolver struct{}

func (staticResolver) Resolve(ctx context.Context, userID domain.UserID, role domain.ParticipantRole, clientIP string) ([]webrtclib.ICEServer, error) {
	return []webrtclib.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}, nil
}
func (staticResolver) ResolveSTUNOnly() []webrtclib.ICEServer {
	return []webrtclib.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
}
func (staticResolver) Invalidate(userID domain.UserID) {}

type recordingRecovery struct {
	mu      sync.Mutex
	cancels []domain.ParticipantID
}

func (r *recordingRecovery) HandleConnectionFailure(ctx context.Context, id domain.ParticipantID, userID domain.UserID, cause error) {
}
func (r *recordingRecovery) HandleRelayAuthFailure(ctx context.Context, id domain.ParticipantID, userID domain.UserID, role domain.ParticipantRole, clientIP string) {
}
func (r *recordingRecovery) State(id domain.ParticipantID) *domain.ConnectionAttemptState {
	return nil
}
func (r *recordingRecovery) Reset(id domain.ParticipantID) {}
func (r *recordingRecovery) Cancel(id domain.ParticipantID) {
	r.mu.Lock()
	r.cancels = append(r.cancels, id)
	r.mu.Unlock()
}

func (r *recordingRecovery) cancelled() []domain.ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ParticipantID(nil), r.cancels...)
}

type recordingQuality struct {
	mu      sync.Mutex
	removed []domain.ParticipantID
	samples []domain.QualitySample
}

func (q *recordingQuality) AddConnection(id domain.ParticipantID, src ports.StatsSource) {}
func (q *recordingQuality) RemoveConnection(id domain.ParticipantID) {
	q.mu.Lock()
	q.removed = append(q.removed, id)
	q.mu.Unlock()
}
func (q *recordingQuality) Ingest(id domain.ParticipantID, sample domain.QualitySample) {
	q.mu.Lock()
	q.samples = append(q.samples, sample)
	q.mu.Unlock()
}
func (q *recordingQuality) LatestSample(id domain.ParticipantID) (domain.QualitySample, bool) {
	return domain.QualitySample{}, false
}
func (q *recordingQuality) Close() {}

func (q *recordingQuality) removedIDs() []domain.ParticipantID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.ParticipantID(nil), q.removed...)
}

func (q *recordingQuality) lastSample() (domain.QualitySample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.samples) == 0 {
		return domain.QualitySample{}, false
	}
	return q.samples[len(q.samples)-1], true
}

type serverHarness struct {
	coordinator *services.SessionService
	registry    *Registry
	quality     *recordingQuality
	recovery    *recordingRecovery
	ts          *httptest.Server
}

func newServerHarness(t *testing.T, cfg ServerConfig) *serverHarness {
	t.Helper()
	logg := zaptest.NewLogger(t).Sugar()

	rooms := memory.NewMemoryRoomRepository()
	rooms.Put(&domain.Room{ID: "room-1", HostID: "host-1", IsActive: true})

	registry := NewRegistry(logg)
	coordinator := services.NewSessionService(
		memory.NewMemoryKVStore(), rooms, registry, nil, nil, nil,
		time.Hour, logg,
	)
	quality := &recordingQuality{}
	recovery := &recordingRecovery{}

	srv := NewServer(cfg, coordinator, registry, allowAllGuard{},
		services.NewTokenService(harnessJWTSecret), staticResolver{},
		recovery, quality, nil, nil, logg)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)

	return &serverHarness{
		coordinator: coordinator,
		registry:    registry,
		quality:     quality,
		recovery:    recovery,
		ts:          ts,
	}
}

func signToken(t *testing.T, userID domain.UserID, role domain.ParticipantRole) string {
	t.Helper()
	claims := &services.Claims{
		UserID:      userID,
		DisplayName: "Tester",
		Role:        role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(harnessJWTSecret))
	require.NoError(t, err)
	return signed
}

func (h *serverHarness) dial(t *testing.T, roomID, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/?room_id=" + roomID + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func (h *serverHarness) waitForParticipant(t *testing.T, id domain.ParticipantID) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := h.coordinator.GetSession(context.Background(), "room-1")
		if err != nil {
			return false
		}
		_, ok := sess.Participants[id]
		return ok
	}, 2*time.Second, 20*time.Millisecond, "participant never joined the session")
}

func TestServer_ReconnectKeepsParticipantState(t *testing.T) {
	h := newServerHarness(t, DefaultServerConfig())
	token := signToken(t, "host-1", domain.RoleHost)

	first := h.dial(t, "room-1", token)
	defer first.Close()
	h.waitForParticipant(t, "host-1")

	// A second connection for the same user evicts the first; the old
	// handler's teardown then races the new handler's join.
	second := h.dial(t, "room-1", token)
	defer second.Close()
	h.waitForParticipant(t, "host-1")

	// Wait for the server to close the evicted socket so the old handler's
	// cleanup has started.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The session entry and live connection must survive the old handler's
	// teardown for the whole observation window.
	assert.Never(t, func() bool {
		sess, err := h.coordinator.GetSession(context.Background(), "room-1")
		if err != nil {
			return true
		}
		if _, ok := sess.Participants["host-1"]; !ok {
			return true
		}
		_, live := h.registry.ConnByParticipant("host-1")
		return !live
	}, 500*time.Millisecond, 50*time.Millisecond, "participant state lost after reconnect")

	// Heartbeats on the new connection must keep working.
	require.NoError(t, h.coordinator.TouchParticipant(context.Background(), "room-1", "host-1"))
	assert.Empty(t, h.quality.removedIDs(), "sampling state dropped for a live participant")
	assert.Empty(t, h.recovery.cancelled(), "recovery episode cancelled for a live participant")
}

func TestServer_DisconnectRemovesParticipant(t *testing.T) {
	h := newServerHarness(t, DefaultServerConfig())
	token := signToken(t, "host-1", domain.RoleHost)

	conn := h.dial(t, "room-1", token)
	h.waitForParticipant(t, "host-1")
	conn.Close()

	require.Eventually(t, func() bool {
		sess, err := h.coordinator.GetSession(context.Background(), "room-1")
		if err != nil {
			return false
		}
		_, ok := sess.Participants["host-1"]
		return !ok
	}, 2*time.Second, 20*time.Millisecond, "participant not removed after disconnect")

	assert.Eventually(t, func() bool {
		for _, id := range h.quality.removedIDs() {
			if id == "host-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond, "quality state not released on disconnect")
}

func encodeRTPPacket(t *testing.T, seq uint16) string {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           0x11223344,
		},
		Payload: []byte{0x01, 0x02, 0x03},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func encodeReceiverReport(t *testing.T, totalLost uint32) string {
	t.Helper()
	rr := &rtcp.ReceiverReport{
		SSRC:    1,
		Reports: []rtcp.ReceptionReport{{SSRC: 0x11223344, TotalLost: totalLost}},
	}
	raw, err := rr.Marshal()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestServer_MediaPacketIngest(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MediaIngest = true
	h := newServerHarness(t, cfg)
	token := signToken(t, "host-1", domain.RoleHost)

	conn := h.dial(t, "room-1", token)
	defer conn.Close()
	h.waitForParticipant(t, "host-1")

	data := MediaStatusData{
		Stats: &QualityStatsData{RouteType: string(domain.RouteRelay)},
		RTPPackets: []string{
			encodeRTPPacket(t, 100),
			encodeRTPPacket(t, 101),
			encodeRTPPacket(t, 102),
		},
		RTCPPackets: []string{encodeReceiverReport(t, 7)},
	}
	msg := Message{Type: TypeMediaStatus, RoomID: "room-1", ParticipantID: "host-1",
		Data: mustRaw(t, data)}
	require.NoError(t, conn.WriteJSON(msg))

	require.Eventually(t, func() bool {
		sample, ok := h.quality.lastSample()
		return ok && sample.PacketsReceived == 3
	}, 2*time.Second, 20*time.Millisecond, "aggregated sample never reached the quality monitor")

	sample, _ := h.quality.lastSample()
	assert.Equal(t, int64(7), sample.PacketsLost, "remote-reported loss not folded in")
	assert.Equal(t, domain.RouteRelay, sample.RouteType)
}

func TestServer_ReaderStopsAfterLoopExit(t *testing.T) {
	base := runtime.NumGoroutine()

	h := newServerHarness(t, DefaultServerConfig())
	token := signToken(t, "host-1", domain.RoleHost)

	conn := h.dial(t, "room-1", token)
	defer conn.Close()
	h.waitForParticipant(t, "host-1")

	// Leave exits the select loop while the follow-up burst keeps the reader
	// pushing into the bounded message channel.
	leave := Message{Type: TypeLeave, RoomID: "room-1", ParticipantID: "host-1"}
	require.NoError(t, conn.WriteJSON(leave))
	beat := Message{Type: TypeHeartbeat, RoomID: "room-1", ParticipantID: "host-1"}
	for i := 0; i < 30; i++ {
		if err := conn.WriteJSON(beat); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= base+2
	}, 3*time.Second, 50*time.Millisecond, "reader goroutine still running after the loop exited")
}
