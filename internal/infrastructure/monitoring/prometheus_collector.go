package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.EventSink over prometheus metrics.
// Emit never fails; unknown events land on a catch-all counter so new event
// kinds surface in dashboards before anyone adds a dedicated metric.
type PrometheusCollector struct {
	participantsConnected prometheus.Gauge
	connectionsTotal      prometheus.Counter
	disconnectsTotal      prometheus.Counter

	credentialsIssuedTotal prometheus.Counter
	violationsTotal        *prometheus.CounterVec

	recoveryEventsTotal *prometheus.CounterVec
	qualityEventsTotal  *prometheus.CounterVec
	qualityTier         *prometheus.GaugeVec

	eventsTotal *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		participantsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomlink_participants_connected",
			Help: "Number of currently connected signaling participants",
		}),
		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomlink_connections_total",
			Help: "Total number of accepted signaling connections",
		}),
		disconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomlink_disconnects_total",
			Help: "Total number of signaling disconnects",
		}),
		credentialsIssuedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomlink_relay_credentials_issued_total",
			Help: "Total number of relay credentials issued",
		}),
		violationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlink_security_violations_total",
			Help: "Security violations recorded, by type and severity",
		}, []string{"type", "severity"}),
		recoveryEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlink_recovery_events_total",
			Help: "Connection recovery events, by kind",
		}, []string{"kind"}),
		qualityEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlink_quality_events_total",
			Help: "Connection quality events, by kind",
		}, []string{"kind"}),
		qualityTier: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomlink_quality_tier",
			Help: "Latest quality tier per tier label (1 when current)",
		}, []string{"tier"}),
		eventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlink_events_total",
			Help: "All emitted events, by name",
		}, []string{"event"}),
	}
}

// Emit maps named events onto metrics. Fields are best-effort; a missing
// field only degrades labeling.
func (p *PrometheusCollector) Emit(event string, fields map[string]any) {
	p.eventsTotal.WithLabelValues(event).Inc()

	switch event {
	case "participant_connected":
		p.participantsConnected.Inc()
		p.connectionsTotal.Inc()
	case "participant_disconnected":
		p.participantsConnected.Dec()
		p.disconnectsTotal.Inc()
	case "credential_issued":
		p.credentialsIssuedTotal.Inc()
	case "security_violation":
		p.violationsTotal.WithLabelValues(
			stringField(fields, "type"),
			stringField(fields, "severity"),
		).Inc()
	case "connection_failed", "restart_initiated", "reconnect_started",
		"reconnect_succeeded", "reconnect_failed", "fallback_activated",
		"max_attempts_reached":
		p.recoveryEventsTotal.WithLabelValues(event).Inc()
	case "quality_changed", "connection_type_detected",
		"high_latency_warning", "packet_loss_warning":
		p.qualityEventsTotal.WithLabelValues(event).Inc()
		if tier := stringField(fields, "tier"); tier != "" {
			p.qualityTier.WithLabelValues(tier).Set(1)
		}
	}
}

func stringField(fields map[string]any, key string) string {
	if fields == nil {
		return "unknown"
	}
	if v, ok := fields[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}
