package services

import (
	"sync"
	"testing"
	"time"

	"roomlink/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type qualityRecorder struct {
	mu     sync.Mutex
	events []domain.QualityEvent
}

func (r *qualityRecorder) OnQualityEvent(ev domain.QualityEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *qualityRecorder) byKind(kind domain.QualityEventKind) []domain.QualityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.QualityEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestQuality(t *testing.T) (*QualityService, *qualityRecorder) {
	t.Helper()
	svc := NewQualityService(DefaultQualityConfig(), nil, zaptest.NewLogger(t).Sugar())
	t.Cleanup(svc.Close)
	rec := &qualityRecorder{}
	svc.Subscribe(rec)
	return svc, rec
}

func sample(rtt time.Duration, received, lost int64) domain.QualitySample {
	return domain.QualitySample{
		RTT:             rtt,
		PacketsReceived: received,
		PacketsLost:     lost,
		RouteType:       domain.RouteDirect,
		Timestamp:       time.Now(),
	}
}

func TestQualityService_Classify(t *testing.T) {
	svc, _ := newTestQuality(t)

	tests := []struct {
		name   string
		sample domain.QualitySample
		want   domain.QualityTier
	}{
		{name: "low rtt no loss", sample: sample(50*time.Millisecond, 1000, 0), want: domain.QualityExcellent},
		{name: "boundary excellent", sample: sample(100*time.Millisecond, 1000, 10), want: domain.QualityExcellent},
		{name: "moderate rtt", sample: sample(200*time.Millisecond, 1000, 20), want: domain.QualityGood},
		{name: "loss pushes out of excellent", sample: sample(50*time.Millisecond, 1000, 25), want: domain.QualityGood},
		{name: "high rtt", sample: sample(350*time.Millisecond, 1000, 50), want: domain.QualityFair},
		{name: "very high rtt", sample: sample(600*time.Millisecond, 1000, 0), want: domain.QualityPoor},
		{name: "heavy loss", sample: sample(50*time.Millisecond, 900, 100), want: domain.QualityPoor},
		{name: "nothing received is poor", sample: sample(10*time.Millisecond, 0, 0), want: domain.QualityPoor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, svc.Classify(tt.sample))
		})
	}
}

func TestQualityService_EmitsOnTierChangeOnly(t *testing.T) {
	svc, rec := newTestQuality(t)

	svc.Ingest("p1", sample(50*time.Millisecond, 1000, 0))
	svc.Ingest("p1", sample(60*time.Millisecond, 2000, 0))  // still excellent
	svc.Ingest("p1", sample(300*time.Millisecond, 3000, 0)) // fair

	changes := rec.byKind(domain.QualityChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, domain.QualityExcellent, changes[0].Tier)
	assert.Equal(t, domain.QualityFair, changes[1].Tier)
	assert.Equal(t, domain.QualityExcellent, changes[1].PreviousTier)
}

func TestQualityService_RouteChangeEvent(t *testing.T) {
	svc, rec := newTestQuality(t)

	direct := sample(50*time.Millisecond, 1000, 0)
	svc.Ingest("p1", direct)

	relayed := direct
	relayed.RouteType = domain.RouteRelay
	svc.Ingest("p1", relayed)
	svc.Ingest("p1", relayed)

	routes := rec.byKind(domain.ConnectionTypeDetected)
	require.Len(t, routes, 2)
	assert.Equal(t, domain.RouteDirect, routes[0].RouteType)
	assert.Equal(t, domain.RouteRelay, routes[1].RouteType)
}

func TestQualityService_Warnings(t *testing.T) {
	svc, rec := newTestQuality(t)

	// Over both warning thresholds; warnings repeat on every sample.
	bad := sample(600*time.Millisecond, 900, 100)
	svc.Ingest("p1", bad)
	svc.Ingest("p1", bad)

	assert.Len(t, rec.byKind(domain.HighLatencyWarning), 2)
	assert.Len(t, rec.byKind(domain.PacketLossWarning), 2)

	// Exactly at the thresholds no warning fires.
	svc.Ingest("p2", sample(500*time.Millisecond, 950, 50))
	assert.Len(t, rec.byKind(domain.HighLatencyWarning), 2)
}

func TestQualityService_LatestSample(t *testing.T) {
	svc, _ := newTestQuality(t)

	_, ok := svc.LatestSample("p1")
	assert.False(t, ok)

	first := sample(50*time.Millisecond, 100, 0)
	second := sample(80*time.Millisecond, 200, 0)
	svc.Ingest("p1", first)
	svc.Ingest("p1", second)

	got, ok := svc.LatestSample("p1")
	require.True(t, ok)
	assert.Equal(t, int64(200), got.PacketsReceived)

	svc.RemoveConnection("p1")
	_, ok = svc.LatestSample("p1")
	assert.False(t, ok)
}

func TestSampleFromStats(t *testing.T) {
	report := webrtc.StatsReport{
		"inbound-audio": webrtc.InboundRTPStreamStats{
			PacketsReceived: 900,
			PacketsLost:     10,
			BytesReceived:   90000,
			Jitter:          0.004,
		},
		"inbound-video": webrtc.InboundRTPStreamStats{
			PacketsReceived: 4000,
			PacketsLost:     40,
			BytesReceived:   4000000,
			Jitter:          0.002,
		},
		"outbound-video": webrtc.OutboundRTPStreamStats{
			PacketsSent: 5000,
			BytesSent:   5000000,
		},
		"local": webrtc.ICECandidateStats{
			ID:            "local",
			CandidateType: webrtc.ICECandidateTypeHost,
		},
		"remote": webrtc.ICECandidateStats{
			ID:            "remote",
			CandidateType: webrtc.ICECandidateTypeRelay,
		},
		"pair": webrtc.ICECandidatePairStats{
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			Nominated:            true,
			LocalCandidateID:     "local",
			RemoteCandidateID:    "remote",
			CurrentRoundTripTime: 0.120,
		},
	}

	got := SampleFromStats(report)

	assert.Equal(t, int64(4900), got.PacketsReceived)
	assert.Equal(t, int64(50), got.PacketsLost)
	assert.Equal(t, int64(5000), got.PacketsSent)
	assert.Equal(t, 120*time.Millisecond, got.RTT)
	assert.InDelta(t, 0.004, got.Jitter, 1e-9)
	// Either side being a relay candidate makes the route relayed.
	assert.Equal(t, domain.RouteRelay, got.RouteType)
}

func TestClassifyRoute(t *testing.T) {
	tests := []struct {
		name          string
		local, remote webrtc.ICECandidateType
		want          domain.RouteType
	}{
		{name: "host to host", local: webrtc.ICECandidateTypeHost, remote: webrtc.ICECandidateTypeHost, want: domain.RouteDirect},
		{name: "srflx to prflx", local: webrtc.ICECandidateTypeSrflx, remote: webrtc.ICECandidateTypePrflx, want: domain.RouteDirect},
		{name: "local relay", local: webrtc.ICECandidateTypeRelay, remote: webrtc.ICECandidateTypeHost, want: domain.RouteRelay},
		{name: "remote relay", local: webrtc.ICECandidateTypeHost, remote: webrtc.ICECandidateTypeRelay, want: domain.RouteRelay},
		{name: "both relay", local: webrtc.ICECandidateTypeRelay, remote: webrtc.ICECandidateTypeRelay, want: domain.RouteRelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyRoute(tt.local, tt.remote))
		})
	}
}
