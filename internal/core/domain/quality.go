package domain

import "time"

type RouteType string

const (
	RouteDirect  RouteType = "direct"
	RouteRelay   RouteType = "relay"
	RouteUnknown RouteType = "unknown"
)

type QualityTier string

const (
	QualityExcellent QualityTier = "excellent"
	QualityGood      QualityTier = "good"
	QualityFair      QualityTier = "fair"
	QualityPoor      QualityTier = "poor"
)

// QualitySample is one transport statistics snapshot for a participant.
// Only the latest sample per participant is retained.
type QualitySample struct {
	RouteType       RouteType     `json:"route_type"`
	RTT             time.Duration `json:"rtt"`
	PacketsLost     int64         `json:"packets_lost"`
	PacketsReceived int64         `json:"packets_received"`
	PacketsSent     int64         `json:"packets_sent"`
	BytesReceived   int64         `json:"bytes_received"`
	BytesSent       int64         `json:"bytes_sent"`
	Jitter          float64       `json:"jitter"`
	Timestamp       time.Time     `json:"timestamp"`
}

// LossRate is the fraction of inbound packets lost, in [0, 1].
func (s *QualitySample) LossRate() float64 {
	total := s.PacketsLost + s.PacketsReceived
	if total <= 0 {
		return 0
	}
	return float64(s.PacketsLost) / float64(total)
}

// QualityThreshold is the ceiling a sample must stay under to earn a tier.
type QualityThreshold struct {
	MaxRTT      time.Duration `yaml:"max_rtt"`
	MaxLossRate float64       `yaml:"max_loss_rate"`
}

type QualityEventKind string

const (
	QualityChanged        QualityEventKind = "quality_changed"
	ConnectionTypeDetected QualityEventKind = "connection_type_detected"
	HighLatencyWarning    QualityEventKind = "high_latency_warning"
	PacketLossWarning     QualityEventKind = "packet_loss_warning"
)

type QualityEvent struct {
	Kind          QualityEventKind
	ParticipantID ParticipantID
	Tier          QualityTier
	PreviousTier  QualityTier
	RouteType     RouteType
	Sample        QualitySample
	Timestamp     time.Time
}
