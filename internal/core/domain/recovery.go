package domain

import "time"

type RecoveryPhase string

const (
	PhaseStable       RecoveryPhase = "stable"
	PhaseRestarting   RecoveryPhase = "restarting"
	PhaseReconnecting RecoveryPhase = "reconnecting"
	PhaseExhausted    RecoveryPhase = "exhausted"
)

type FallbackMode string

const (
	FallbackSTUNOnly FallbackMode = "stun"
)

// ConnectionAttemptState tracks one participant's recovery episode. Created
// lazily on first failure, reset on success or explicit clear.
type ConnectionAttemptState struct {
	ParticipantID ParticipantID
	Phase         RecoveryPhase
	Attempts      int
	LastAttemptAt time.Time
	NextDelay     time.Duration
	Errors        []string
	IsReconnecting bool
	RestartUsed   bool
	FallbacksUsed []FallbackMode
}

// FallbackUsed reports whether the given fallback was already activated in
// this episode.
func (s *ConnectionAttemptState) FallbackUsed(mode FallbackMode) bool {
	for _, m := range s.FallbacksUsed {
		if m == mode {
			return true
		}
	}
	return false
}

// RecoveryEventKind is the closed set of recovery state-machine events.
type RecoveryEventKind string

const (
	RecoveryConnectionFailed   RecoveryEventKind = "connection_failed"
	RecoveryRestartInitiated   RecoveryEventKind = "restart_initiated"
	RecoveryReconnectStarted   RecoveryEventKind = "reconnect_started"
	RecoveryReconnectSucceeded RecoveryEventKind = "reconnect_succeeded"
	RecoveryReconnectFailed    RecoveryEventKind = "reconnect_failed"
	RecoveryFallbackActivated  RecoveryEventKind = "fallback_activated"
	RecoveryMaxAttemptsReached RecoveryEventKind = "max_attempts_reached"
)

type RecoveryEvent struct {
	Kind          RecoveryEventKind
	ParticipantID ParticipantID
	Attempt       int
	Delay         time.Duration
	Fallback      FallbackMode
	Err           error
	Timestamp     time.Time
}
