package services

import (
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// QualityConfig holds the tier ceilings and warning thresholds. Tiers are
// checked in order excellent, good, fair; everything else is poor.
type QualityConfig struct {
	SampleInterval time.Duration
	Excellent      domain.QualityThreshold
	Good           domain.QualityThreshold
	Fair           domain.QualityThreshold
	HighLatency    time.Duration
	PacketLossWarn float64
}

func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		SampleInterval: 5 * time.Second,
		Excellent:      domain.QualityThreshold{MaxRTT: 100 * time.Millisecond, MaxLossRate: 0.01},
		Good:           domain.QualityThreshold{MaxRTT: 250 * time.Millisecond, MaxLossRate: 0.03},
		Fair:           domain.QualityThreshold{MaxRTT: 400 * time.Millisecond, MaxLossRate: 0.08},
		HighLatency:    500 * time.Millisecond,
		PacketLossWarn: 0.05,
	}
}

type monitoredConn struct {
	src    ports.StatsSource
	cancel chan struct{}
}

// QualityService samples registered transports on a fixed interval,
// classifies route type and quality tier, and emits change-only events plus
// latency/loss warnings. Only the latest sample per participant is kept.
type QualityService struct {
	cfg    QualityConfig
	sink   ports.EventSink
	logger *zap.SugaredLogger

	mu        sync.Mutex
	conns     map[domain.ParticipantID]*monitoredConn
	samples   map[domain.ParticipantID]domain.QualitySample
	tiers     map[domain.ParticipantID]domain.QualityTier
	routes    map[domain.ParticipantID]domain.RouteType
	observers []ports.QualityObserver
	closed    bool
}

func NewQualityService(cfg QualityConfig, sink ports.EventSink, logger *zap.SugaredLogger) *QualityService {
	if cfg.SampleInterval <= 0 {
		cfg = DefaultQualityConfig()
	}
	return &QualityService{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		conns:   make(map[domain.ParticipantID]*monitoredConn),
		samples: make(map[domain.ParticipantID]domain.QualitySample),
		tiers:   make(map[domain.ParticipantID]domain.QualityTier),
		routes:  make(map[domain.ParticipantID]domain.RouteType),
	}
}

// Subscribe registers an observer for quality events.
func (s *QualityService) Subscribe(o ports.QualityObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// AddConnection registers a transport for periodic sampling. Registering an
// already-monitored participant replaces the previous registration.
func (s *QualityService) AddConnection(id domain.ParticipantID, src ports.StatsSource) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if prev, ok := s.conns[id]; ok {
		close(prev.cancel)
	}
	mc := &monitoredConn{src: src, cancel: make(chan struct{})}
	s.conns[id] = mc
	s.mu.Unlock()

	go s.sampleLoop(id, mc)
}

// RemoveConnection stops sampling for the participant and drops its state.
func (s *QualityService) RemoveConnection(id domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mc, ok := s.conns[id]; ok {
		close(mc.cancel)
		delete(s.conns, id)
	}
	delete(s.samples, id)
	delete(s.tiers, id)
	delete(s.routes, id)
}

// LatestSample returns the most recent sample for the participant.
func (s *QualityService) LatestSample(id domain.ParticipantID) (domain.QualitySample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sample, ok := s.samples[id]
	return sample, ok
}

// Close stops every sampling loop.
func (s *QualityService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, mc := range s.conns {
		close(mc.cancel)
		delete(s.conns, id)
	}
}

func (s *QualityService) sampleLoop(id domain.ParticipantID, mc *monitoredConn) {
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mc.cancel:
			return
		case <-ticker.C:
			sample := SampleFromStats(mc.src.GetStats())
			s.Ingest(id, sample)
		}
	}
}

// Ingest applies classification and eventing to a sample produced either by
// the sampling loop or by an external aggregator (for example RTCP report
// folding when the server terminates media).
func (s *QualityService) Ingest(id domain.ParticipantID, sample domain.QualitySample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	tier := s.Classify(sample)

	s.mu.Lock()
	prevTier, hadTier := s.tiers[id]
	prevRoute, hadRoute := s.routes[id]
	s.samples[id] = sample
	s.tiers[id] = tier
	s.routes[id] = sample.RouteType
	observers := make([]ports.QualityObserver, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	now := time.Now()
	var events []domain.QualityEvent

	if !hadTier || prevTier != tier {
		events = append(events, domain.QualityEvent{
			Kind:          domain.QualityChanged,
			ParticipantID: id,
			Tier:          tier,
			PreviousTier:  prevTier,
			RouteType:     sample.RouteType,
			Sample:        sample,
			Timestamp:     now,
		})
	}
	if !hadRoute || prevRoute != sample.RouteType {
		events = append(events, domain.QualityEvent{
			Kind:          domain.ConnectionTypeDetected,
			ParticipantID: id,
			Tier:          tier,
			RouteType:     sample.RouteType,
			Sample:        sample,
			Timestamp:     now,
		})
	}
	if sample.RTT > s.cfg.HighLatency {
		events = append(events, domain.QualityEvent{
			Kind:          domain.HighLatencyWarning,
			ParticipantID: id,
			Tier:          tier,
			RouteType:     sample.RouteType,
			Sample:        sample,
			Timestamp:     now,
		})
	}
	if sample.LossRate() > s.cfg.PacketLossWarn {
		events = append(events, domain.QualityEvent{
			Kind:          domain.PacketLossWarning,
			ParticipantID: id,
			Tier:          tier,
			RouteType:     sample.RouteType,
			Sample:        sample,
			Timestamp:     now,
		})
	}

	for _, ev := range events {
		for _, o := range observers {
			o.OnQualityEvent(ev)
		}
		if s.sink != nil {
			s.sink.Emit(string(ev.Kind), map[string]any{
				"participant_id": string(id),
				"tier":           string(tier),
				"route":          string(sample.RouteType),
			})
		}
	}
}

// Classify maps a sample onto a tier. A sample with zero packets received
// is always poor.
func (s *QualityService) Classify(sample domain.QualitySample) domain.QualityTier {
	if sample.PacketsReceived == 0 {
		return domain.QualityPoor
	}
	loss := sample.LossRate()
	switch {
	case sample.RTT <= s.cfg.Excellent.MaxRTT && loss <= s.cfg.Excellent.MaxLossRate:
		return domain.QualityExcellent
	case sample.RTT <= s.cfg.Good.MaxRTT && loss <= s.cfg.Good.MaxLossRate:
		return domain.QualityGood
	case sample.RTT <= s.cfg.Fair.MaxRTT && loss <= s.cfg.Fair.MaxLossRate:
		return domain.QualityFair
	default:
		return domain.QualityPoor
	}
}

// SampleFromStats folds a webrtc stats report into one QualitySample:
// inbound/outbound packet and byte counters aggregated across media lines,
// RTT and route type derived from the succeeded candidate pair.
func SampleFromStats(report webrtc.StatsReport) domain.QualitySample {
	sample := domain.QualitySample{
		RouteType: domain.RouteUnknown,
		Timestamp: time.Now(),
	}

	candidates := make(map[string]webrtc.ICECandidateStats)
	var pair *webrtc.ICECandidatePairStats

	for _, stat := range report {
		switch st := stat.(type) {
		case webrtc.InboundRTPStreamStats:
			sample.PacketsReceived += int64(st.PacketsReceived)
			sample.PacketsLost += int64(st.PacketsLost)
			sample.BytesReceived += int64(st.BytesReceived)
			if st.Jitter > sample.Jitter {
				sample.Jitter = st.Jitter
			}
		case webrtc.OutboundRTPStreamStats:
			sample.PacketsSent += int64(st.PacketsSent)
			sample.BytesSent += int64(st.BytesSent)
		case webrtc.ICECandidateStats:
			candidates[st.ID] = st
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && (pair == nil || st.Nominated) {
				cp := st
				pair = &cp
			}
		}
	}

	if pair != nil {
		sample.RTT = time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
		local, lok := candidates[pair.LocalCandidateID]
		remote, rok := candidates[pair.RemoteCandidateID]
		if lok && rok {
			sample.RouteType = classifyRoute(local.CandidateType, remote.CandidateType)
		}
	}
	return sample
}

// classifyRoute is relay if either side is a relay candidate, direct if both
// are host/reflexive/peer-reflexive, unknown otherwise.
func classifyRoute(local, remote webrtc.ICECandidateType) domain.RouteType {
	if local == webrtc.ICECandidateTypeRelay || remote == webrtc.ICECandidateTypeRelay {
		return domain.RouteRelay
	}
	if isDirectCandidate(local) && isDirectCandidate(remote) {
		return domain.RouteDirect
	}
	return domain.RouteUnknown
}

func isDirectCandidate(t webrtc.ICECandidateType) bool {
	switch t {
	case webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx:
		return true
	default:
		return false
	}
}
