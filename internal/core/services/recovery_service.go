package services

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RecoveryConfig tunes the connection recovery state machine.
type RecoveryConfig struct {
	MaxAttempts        int
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	Multiplier         float64
	NetworkDelayFloor  time.Duration
	RestartTimeout     time.Duration
	EnableSTUNFallback bool
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxAttempts:        5,
		InitialDelay:       time.Second,
		MaxDelay:           30 * time.Second,
		Multiplier:         2.0,
		NetworkDelayFloor:  5 * time.Second,
		RestartTimeout:     10 * time.Second,
		EnableSTUNFallback: true,
	}
}

// RecoveryService drives per-participant failure recovery:
// Stable -> Restarting -> Reconnecting -> Stable | Exhausted. One route
// restart per episode; reconnection uses capped exponential backoff with a
// delay floor for network-class errors; relay-auth failures refresh
// credentials and can fall back to STUN-only once per episode.
type RecoveryService struct {
	cfg       RecoveryConfig
	restarter ports.RouteRestarter
	issuer    ports.CredentialIssuer
	resolver  ports.EndpointResolver
	sink      ports.EventSink
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	states    map[domain.ParticipantID]*domain.ConnectionAttemptState
	cancels   map[domain.ParticipantID]context.CancelFunc
	observers []ports.RecoveryObserver

	// sleepFn is swapped in tests to skip real backoff waits.
	sleepFn func(ctx context.Context, d time.Duration) error
}

func NewRecoveryService(
	cfg RecoveryConfig,
	restarter ports.RouteRestarter,
	issuer ports.CredentialIssuer,
	resolver ports.EndpointResolver,
	sink ports.EventSink,
	logger *zap.SugaredLogger,
) *RecoveryService {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRecoveryConfig()
	}
	return &RecoveryService{
		cfg:       cfg,
		restarter: restarter,
		issuer:    issuer,
		resolver:  resolver,
		sink:      sink,
		logger:    logger,
		states:    make(map[domain.ParticipantID]*domain.ConnectionAttemptState),
		cancels:   make(map[domain.ParticipantID]context.CancelFunc),
		sleepFn:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Subscribe registers an observer for recovery events.
func (s *RecoveryService) Subscribe(o ports.RecoveryObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *RecoveryService) emit(ev domain.RecoveryEvent) {
	ev.Timestamp = time.Now()

	s.mu.Lock()
	observers := make([]ports.RecoveryObserver, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, o := range observers {
		o.OnRecoveryEvent(ev)
	}
	if s.sink != nil {
		fields := map[string]any{
			"participant_id": string(ev.ParticipantID),
			"attempt":        ev.Attempt,
		}
		if ev.Err != nil {
			fields["error"] = ev.Err.Error()
		}
		s.sink.Emit(string(ev.Kind), fields)
	}
}

func (s *RecoveryService) state(id domain.ParticipantID) *domain.ConnectionAttemptState {
	st, ok := s.states[id]
	if !ok {
		st = &domain.ConnectionAttemptState{
			ParticipantID: id,
			Phase:         domain.PhaseStable,
			NextDelay:     s.cfg.InitialDelay,
		}
		s.states[id] = st
	}
	return st
}

// HandleConnectionFailure reacts to a transport failure. A previously
// established connection gets exactly one time-bounded route restart per
// episode before falling back to full reconnection.
func (s *RecoveryService) HandleConnectionFailure(ctx context.Context, id domain.ParticipantID, userID domain.UserID, cause error) {
	s.mu.Lock()
	st := s.state(id)
	if st.IsReconnecting {
		s.mu.Unlock()
		s.logger.Debugw("recovery episode already running", "participant_id", id)
		return
	}
	if st.Phase == domain.PhaseExhausted {
		s.mu.Unlock()
		s.logger.Debugw("recovery attempts exhausted, waiting for reset", "participant_id", id)
		return
	}
	st.Errors = appendBounded(st.Errors, errString(cause))
	tryRestart := !st.RestartUsed && st.Phase == domain.PhaseStable
	if tryRestart {
		st.RestartUsed = true
		st.Phase = domain.PhaseRestarting
	}
	s.mu.Unlock()

	s.emit(domain.RecoveryEvent{Kind: domain.RecoveryConnectionFailed, ParticipantID: id, Err: cause})

	if tryRestart && s.restarter != nil {
		s.emit(domain.RecoveryEvent{Kind: domain.RecoveryRestartInitiated, ParticipantID: id})

		rctx, cancel := context.WithTimeout(ctx, s.cfg.RestartTimeout)
		err := s.restarter.RestartRoute(rctx, id)
		cancel()

		if err == nil {
			s.succeed(id)
			return
		}
		s.logger.Infow("route restart failed, falling back to reconnection",
			"participant_id", id, "error", err)
	}

	s.reconnect(ctx, id, userID, "", "", false, cause)
}

// HandleRelayAuthFailure refreshes relay credentials and reconnects; when
// refresh fails and the STUN-only fallback is enabled, it is activated
// exactly once per episode.
func (s *RecoveryService) HandleRelayAuthFailure(ctx context.Context, id domain.ParticipantID, userID domain.UserID, role domain.ParticipantRole, clientIP string) {
	s.mu.Lock()
	st := s.state(id)
	if st.IsReconnecting || st.Phase == domain.PhaseExhausted {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.emit(domain.RecoveryEvent{Kind: domain.RecoveryConnectionFailed, ParticipantID: id, Err: domain.ErrInvalidCredential})

	s.resolver.Invalidate(userID)
	_, err := s.issuer.Issue(userID, role, clientIP, 0)
	if err == nil {
		s.reconnect(ctx, id, userID, role, clientIP, false, nil)
		return
	}

	s.logger.Warnw("credential refresh failed", "participant_id", id, "error", err)
	if !s.cfg.EnableSTUNFallback {
		s.emit(domain.RecoveryEvent{Kind: domain.RecoveryReconnectFailed, ParticipantID: id, Err: err})
		return
	}

	s.mu.Lock()
	alreadyUsed := st.FallbackUsed(domain.FallbackSTUNOnly)
	if !alreadyUsed {
		st.FallbacksUsed = append(st.FallbacksUsed, domain.FallbackSTUNOnly)
	}
	s.mu.Unlock()

	if !alreadyUsed {
		s.emit(domain.RecoveryEvent{
			Kind:          domain.RecoveryFallbackActivated,
			ParticipantID: id,
			Fallback:      domain.FallbackSTUNOnly,
		})
	}
	s.reconnect(ctx, id, userID, role, clientIP, true, err)
}

// reconnect runs the backoff-gated reconnection loop for one episode.
// lastErr carries the failure that triggered the episode so network-class
// errors keep their type for the backoff floor.
func (s *RecoveryService) reconnect(ctx context.Context, id domain.ParticipantID, userID domain.UserID, role domain.ParticipantRole, clientIP string, stunOnly bool, lastErr error) {
	s.mu.Lock()
	st := s.state(id)
	if st.IsReconnecting {
		s.mu.Unlock()
		return
	}
	st.IsReconnecting = true
	st.Phase = domain.PhaseReconnecting

	if cancel, ok := s.cancels[id]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancels[id] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		st.IsReconnecting = false
		if s.cancels[id] != nil {
			delete(s.cancels, id)
		}
		s.mu.Unlock()
		cancel()
	}()

	for {
		s.mu.Lock()
		st.Attempts++
		attempt := st.Attempts
		if attempt > s.cfg.MaxAttempts {
			st.Phase = domain.PhaseExhausted
			s.mu.Unlock()
			s.emit(domain.RecoveryEvent{Kind: domain.RecoveryMaxAttemptsReached, ParticipantID: id, Attempt: attempt - 1})
			return
		}
		delay := s.backoffDelay(attempt, lastErr)
		st.NextDelay = delay
		st.LastAttemptAt = time.Now()
		s.mu.Unlock()

		s.emit(domain.RecoveryEvent{Kind: domain.RecoveryReconnectStarted, ParticipantID: id, Attempt: attempt, Delay: delay})

		if err := s.sleepFn(ctx, delay); err != nil {
			s.logger.Debugw("reconnection cancelled", "participant_id", id)
			return
		}

		servers, err := s.endpoints(ctx, userID, role, clientIP, stunOnly)
		if err == nil {
			err = s.restarter.Reconnect(ctx, id, servers)
		}
		if err == nil {
			s.succeed(id)
			s.emit(domain.RecoveryEvent{Kind: domain.RecoveryReconnectSucceeded, ParticipantID: id, Attempt: attempt})
			return
		}

		lastErr = err
		s.mu.Lock()
		st.Errors = appendBounded(st.Errors, errString(err))
		s.mu.Unlock()
		s.emit(domain.RecoveryEvent{Kind: domain.RecoveryReconnectFailed, ParticipantID: id, Attempt: attempt, Err: err})
	}
}

func (s *RecoveryService) endpoints(ctx context.Context, userID domain.UserID, role domain.ParticipantRole, clientIP string, stunOnly bool) ([]webrtc.ICEServer, error) {
	if stunOnly {
		return s.resolver.ResolveSTUNOnly(), nil
	}
	if role == "" {
		role = domain.RoleGuest
	}
	return s.resolver.Resolve(ctx, userID, role, clientIP)
}

// backoffDelay is min(initial * multiplier^(attempt-1), max), floored for
// network-class errors.
func (s *RecoveryService) backoffDelay(attempt int, lastErr error) time.Duration {
	d := float64(s.cfg.InitialDelay) * math.Pow(s.cfg.Multiplier, float64(attempt-1))
	if d > float64(s.cfg.MaxDelay) {
		d = float64(s.cfg.MaxDelay)
	}
	delay := time.Duration(d)
	if lastErr != nil && IsNetworkError(lastErr) && delay < s.cfg.NetworkDelayFloor {
		delay = s.cfg.NetworkDelayFloor
	}
	return delay
}

// succeed resets the participant's episode to baseline.
func (s *RecoveryService) succeed(id domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(id)
	st.Phase = domain.PhaseStable
	st.Attempts = 0
	st.NextDelay = s.cfg.InitialDelay
	st.Errors = nil
	st.RestartUsed = false
	st.FallbacksUsed = nil
	st.IsReconnecting = false
}

// State returns a copy of the participant's attempt state for diagnostics,
// or nil when no episode was ever recorded.
func (s *RecoveryService) State(id domain.ParticipantID) *domain.ConnectionAttemptState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil
	}
	cp := *st
	cp.Errors = append([]string(nil), st.Errors...)
	cp.FallbacksUsed = append([]domain.FallbackMode(nil), st.FallbacksUsed...)
	return &cp
}

// Reset clears the participant's recorded state.
func (s *RecoveryService) Reset(id domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
}

// Cancel aborts any in-flight episode for the participant, for example on
// disconnect.
func (s *RecoveryService) Cancel(id domain.ParticipantID) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// IsNetworkError classifies transport-level failures that warrant the
// backoff delay floor.
func IsNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

// maxRecordedErrors bounds the per-participant error log so a flapping
// client cannot grow it without limit.
const maxRecordedErrors = 32

func appendBounded(errs []string, msg string) []string {
	errs = append(errs, msg)
	if len(errs) > maxRecordedErrors {
		errs = errs[len(errs)-maxRecordedErrors:]
	}
	return errs
}
