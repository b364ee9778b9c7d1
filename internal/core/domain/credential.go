package domain

import "time"

const (
	// TURN REST credential TTL bounds, seconds.
	MinCredentialTTL     = 1
	MaxCredentialTTL     = 43200
	DefaultCredentialTTL = 600
)

// RelayCredential is a coturn-compatible time-limited TURN credential.
// Username carries the expiry ("<unixExpiry>:<userId>") so a relay can
// validate it from the shared secret alone, without a store lookup.
type RelayCredential struct {
	CredentialID string    `json:"credential_id"`
	Username     string    `json:"username"`
	Credential   string    `json:"credential"`
	TTLSeconds   int64     `json:"ttl"`
	ExpiresAt    time.Time `json:"expires_at"`
}
