package domain

import "time"

type ViolationSeverity string

const (
	SeverityLow      ViolationSeverity = "low"
	SeverityMedium   ViolationSeverity = "medium"
	SeverityHigh     ViolationSeverity = "high"
	SeverityCritical ViolationSeverity = "critical"
)

type ViolationType string

const (
	ViolationCredentialRate ViolationType = "credential_rate_exceeded"
	ViolationConnectionRate ViolationType = "connection_rate_exceeded"
	ViolationBandwidthQuota ViolationType = "bandwidth_quota_exceeded"
	ViolationSessionLimit   ViolationType = "session_limit_exceeded"
	ViolationBlockedIP      ViolationType = "blocked_ip_attempt"
	ViolationMalformedInput ViolationType = "malformed_input"
)

// SecurityViolation is an append-only audit record kept in the shared store
// with a bounded TTL. Critical severity triggers a temporary IP block.
type SecurityViolation struct {
	Type      ViolationType     `json:"type"`
	UserID    UserID            `json:"user_id"`
	ClientIP  string            `json:"client_ip"`
	Timestamp time.Time         `json:"timestamp"`
	Details   string            `json:"details"`
	Severity  ViolationSeverity `json:"severity"`
}
