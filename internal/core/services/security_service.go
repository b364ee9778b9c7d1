package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/pkg/circuitbreaker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SecurityConfig tunes the access guard. Zero values are filled by
// DefaultSecurityConfig.
type SecurityConfig struct {
	// FailOpen selects what a check returns when the counter store is
	// unavailable: true prioritizes availability, false enforcement.
	FailOpen bool

	CredentialRateLimit  int64
	CredentialRateWindow time.Duration
	CredentialIPFactor   int64

	ConnectionRateLimit  int64
	ConnectionRateWindow time.Duration
	ConnectionIPFactor   int64

	HostBandwidthQuota  int64
	GuestBandwidthQuota int64
	BandwidthWindow     time.Duration

	MaxSessionsPerUser int64
	SessionCountTTL    time.Duration

	RestrictIPs         bool
	AllowedCIDRs        []string
	BlockedIPs          []string
	MaxConnectionsPerIP int

	ViolationTTL      time.Duration
	AutoBlockDuration time.Duration
}

func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		FailOpen:             true,
		CredentialRateLimit:  10,
		CredentialRateWindow: time.Minute,
		CredentialIPFactor:   3,
		ConnectionRateLimit:  20,
		ConnectionRateWindow: 5 * time.Minute,
		ConnectionIPFactor:   5,
		HostBandwidthQuota:   10 << 30,
		GuestBandwidthQuota:  2 << 30,
		BandwidthWindow:      24 * time.Hour,
		MaxSessionsPerUser:   3,
		SessionCountTTL:      12 * time.Hour,
		MaxConnectionsPerIP:  20,
		ViolationTTL:         7 * 24 * time.Hour,
		AutoBlockDuration:    time.Hour,
	}
}

// SecurityService implements ports.SecurityGuard. All windowed counters live
// in the shared KV store so limits hold across signal instances; per-IP
// concurrent connection counts are process-local. Store calls run through a
// circuit breaker so a dead store trips fast and the FailOpen policy applies.
type SecurityService struct {
	cfg     SecurityConfig
	store   ports.KVStore
	breaker *circuitbreaker.Breaker
	sink    ports.EventSink
	logger  *zap.SugaredLogger

	allowedNets []*net.IPNet
	blockedNets []*net.IPNet
	blockedIPs  map[string]struct{}

	mu        sync.Mutex
	ipConns   map[string]int
}

func NewSecurityService(cfg SecurityConfig, store ports.KVStore, sink ports.EventSink, logger *zap.SugaredLogger) *SecurityService {
	s := &SecurityService{
		cfg:        cfg,
		store:      store,
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
		sink:       sink,
		logger:     logger,
		blockedIPs: make(map[string]struct{}),
		ipConns:    make(map[string]int),
	}

	// CIDR parsing is IPv4-only: the allow-list semantics for IPv6 were
	// never defined upstream, so non-IPv4 clients are denied when a
	// restriction list is configured.
	for _, cidr := range cfg.AllowedCIDRs {
		if n := parseIPv4CIDR(cidr); n != nil {
			s.allowedNets = append(s.allowedNets, n)
		} else {
			logger.Warnw("ignoring unparseable allowed CIDR", "cidr", cidr)
		}
	}
	for _, entry := range cfg.BlockedIPs {
		if strings.Contains(entry, "/") {
			if n := parseIPv4CIDR(entry); n != nil {
				s.blockedNets = append(s.blockedNets, n)
			} else {
				logger.Warnw("ignoring unparseable blocked CIDR", "cidr", entry)
			}
			continue
		}
		s.blockedIPs[entry] = struct{}{}
	}
	return s
}

func parseIPv4CIDR(cidr string) *net.IPNet {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil || n.IP.To4() == nil {
		return nil
	}
	return n
}

// checkWindow increments the counter at key and compares against limit.
// The bool result is the allow decision; the error reports store trouble.
func (s *SecurityService) checkWindow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	var count int64
	err := s.breaker.Execute(ctx, func() error {
		var ierr error
		count, ierr = s.store.Incr(ctx, key, window)
		return ierr
	})
	if err != nil {
		return s.cfg.FailOpen, err
	}
	return count <= limit, nil
}

func (s *SecurityService) CheckCredentialRequestRate(ctx context.Context, userID domain.UserID, clientIP string) bool {
	userOK, err := s.checkWindow(ctx,
		fmt.Sprintf("rl:cred:user:%s", userID),
		s.cfg.CredentialRateLimit, s.cfg.CredentialRateWindow)
	if err != nil {
		s.logStoreFailure("credential rate check", err)
		return s.cfg.FailOpen
	}

	ipOK, err := s.checkWindow(ctx,
		fmt.Sprintf("rl:cred:ip:%s", clientIP),
		s.cfg.CredentialRateLimit*s.cfg.CredentialIPFactor, s.cfg.CredentialRateWindow)
	if err != nil {
		s.logStoreFailure("credential ip rate check", err)
		return s.cfg.FailOpen
	}

	if !userOK || !ipOK {
		s.RecordViolation(ctx, domain.SecurityViolation{
			Type:      domain.ViolationCredentialRate,
			UserID:    userID,
			ClientIP:  clientIP,
			Timestamp: time.Now(),
			Details:   "credential request rate exceeded",
			Severity:  domain.SeverityMedium,
		})
		return false
	}
	return true
}

func (s *SecurityService) CheckConnectionAttemptRate(ctx context.Context, userID domain.UserID, clientIP string) bool {
	userOK, err := s.checkWindow(ctx,
		fmt.Sprintf("rl:conn:user:%s", userID),
		s.cfg.ConnectionRateLimit, s.cfg.ConnectionRateWindow)
	if err != nil {
		s.logStoreFailure("connection rate check", err)
		return s.cfg.FailOpen
	}

	ipOK, err := s.checkWindow(ctx,
		fmt.Sprintf("rl:conn:ip:%s", clientIP),
		s.cfg.ConnectionRateLimit*s.cfg.ConnectionIPFactor, s.cfg.ConnectionRateWindow)
	if err != nil {
		s.logStoreFailure("connection ip rate check", err)
		return s.cfg.FailOpen
	}

	if !userOK || !ipOK {
		s.RecordViolation(ctx, domain.SecurityViolation{
			Type:      domain.ViolationConnectionRate,
			UserID:    userID,
			ClientIP:  clientIP,
			Timestamp: time.Now(),
			Details:   "connection attempt rate exceeded",
			Severity:  domain.SeverityMedium,
		})
		return false
	}
	return true
}

func (s *SecurityService) IsIPAllowed(ctx context.Context, clientIP string) bool {
	// Temporary blocks apply regardless of the static restriction list.
	if s.IsIPTemporarilyBlocked(ctx, clientIP) {
		s.RecordViolation(ctx, domain.SecurityViolation{
			Type:      domain.ViolationBlockedIP,
			ClientIP:  clientIP,
			Timestamp: time.Now(),
			Details:   "connection from temporarily blocked ip",
			Severity:  domain.SeverityHigh,
		})
		return false
	}

	if !s.cfg.RestrictIPs {
		return true
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}

	if _, blocked := s.blockedIPs[clientIP]; blocked {
		return false
	}
	for _, n := range s.blockedNets {
		if n.Contains(ip) {
			return false
		}
	}

	if len(s.allowedNets) > 0 {
		if ip.To4() == nil {
			s.logger.Warnw("non-ipv4 client against ipv4 allow-list, denying", "client_ip", clientIP)
			return false
		}
		member := false
		for _, n := range s.allowedNets {
			if n.Contains(ip) {
				member = true
				break
			}
		}
		if !member {
			return false
		}
	}

	if s.cfg.MaxConnectionsPerIP > 0 {
		s.mu.Lock()
		over := s.ipConns[clientIP] >= s.cfg.MaxConnectionsPerIP
		s.mu.Unlock()
		if over {
			return false
		}
	}
	return true
}

// AcquireConnectionSlot reserves one of the per-IP concurrent connection
// slots. Callers must pair it with ReleaseConnectionSlot.
func (s *SecurityService) AcquireConnectionSlot(clientIP string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConnectionsPerIP > 0 && s.ipConns[clientIP] >= s.cfg.MaxConnectionsPerIP {
		return false
	}
	s.ipConns[clientIP]++
	return true
}

func (s *SecurityService) ReleaseConnectionSlot(clientIP string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ipConns[clientIP] > 1 {
		s.ipConns[clientIP]--
	} else {
		delete(s.ipConns, clientIP)
	}
}

func (s *SecurityService) CheckBandwidthQuota(ctx context.Context, userID domain.UserID, role domain.ParticipantRole, bytesUsed int64) bool {
	quota := s.cfg.GuestBandwidthQuota
	if role == domain.RoleHost {
		quota = s.cfg.HostBandwidthQuota
	}

	key := fmt.Sprintf("bw:%s:%s", role, userID)
	var used int64
	err := s.breaker.Execute(ctx, func() error {
		var ierr error
		used, ierr = s.store.IncrBy(ctx, key, bytesUsed, s.cfg.BandwidthWindow)
		return ierr
	})
	if err != nil {
		s.logStoreFailure("bandwidth quota check", err)
		return s.cfg.FailOpen
	}

	if used > quota {
		s.RecordViolation(ctx, domain.SecurityViolation{
			Type:      domain.ViolationBandwidthQuota,
			UserID:    userID,
			ClientIP:  "",
			Timestamp: time.Now(),
			Details:   fmt.Sprintf("bandwidth quota exceeded: used=%d quota=%d", used, quota),
			Severity:  domain.SeverityHigh,
		})
		return false
	}
	return true
}

func (s *SecurityService) CheckSessionLimit(ctx context.Context, userID domain.UserID) bool {
	key := fmt.Sprintf("sessions:%s", userID)
	var count int64
	err := s.breaker.Execute(ctx, func() error {
		var ierr error
		count, ierr = s.store.Incr(ctx, key, s.cfg.SessionCountTTL)
		return ierr
	})
	if err != nil {
		s.logStoreFailure("session limit check", err)
		return s.cfg.FailOpen
	}

	if count > s.cfg.MaxSessionsPerUser {
		// Undo the speculative increment so a later disconnect does not
		// underflow the live count.
		s.decrSession(ctx, key)
		s.RecordViolation(ctx, domain.SecurityViolation{
			Type:      domain.ViolationSessionLimit,
			UserID:    userID,
			Timestamp: time.Now(),
			Details:   fmt.Sprintf("concurrent session limit %d exceeded", s.cfg.MaxSessionsPerUser),
			Severity:  domain.SeverityLow,
		})
		return false
	}
	return true
}

// ReleaseSession decrements the user's concurrent session counter.
func (s *SecurityService) ReleaseSession(ctx context.Context, userID domain.UserID) {
	s.decrSession(ctx, fmt.Sprintf("sessions:%s", userID))
}

func (s *SecurityService) decrSession(ctx context.Context, key string) {
	err := s.breaker.Execute(ctx, func() error {
		_, ierr := s.store.IncrBy(ctx, key, -1, s.cfg.SessionCountTTL)
		return ierr
	})
	if err != nil {
		s.logStoreFailure("session counter release", err)
	}
}

func (s *SecurityService) RecordViolation(ctx context.Context, v domain.SecurityViolation) {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}

	s.logger.Warnw("security violation",
		"type", v.Type,
		"user_id", v.UserID,
		"client_ip", v.ClientIP,
		"severity", v.Severity,
		"details", v.Details,
	)
	if s.sink != nil {
		s.sink.Emit("security_violation", map[string]any{
			"type":     string(v.Type),
			"severity": string(v.Severity),
		})
	}

	data, err := json.Marshal(v)
	if err == nil {
		key := fmt.Sprintf("violation:%s", uuid.NewString())
		serr := s.breaker.Execute(ctx, func() error {
			return s.store.Set(ctx, key, string(data), s.cfg.ViolationTTL)
		})
		if serr != nil {
			s.logStoreFailure("violation write", serr)
		}
		cerr := s.breaker.Execute(ctx, func() error {
			_, ierr := s.store.Incr(ctx, fmt.Sprintf("vcount:%s:%s", v.Type, v.Severity), s.cfg.ViolationTTL)
			return ierr
		})
		if cerr != nil {
			s.logStoreFailure("violation counter", cerr)
		}
	}

	if v.Severity == domain.SeverityCritical && v.ClientIP != "" {
		s.BlockIPTemporarily(ctx, v.ClientIP, s.cfg.AutoBlockDuration, string(v.Type))
	}
}

func (s *SecurityService) BlockIPTemporarily(ctx context.Context, ip string, duration time.Duration, reason string) {
	key := fmt.Sprintf("blocked:%s", ip)
	err := s.breaker.Execute(ctx, func() error {
		return s.store.Set(ctx, key, reason, duration)
	})
	if err != nil {
		s.logStoreFailure("temporary ip block", err)
		return
	}
	s.logger.Warnw("temporarily blocked ip", "ip", ip, "duration", duration, "reason", reason)
	if s.sink != nil {
		s.sink.Emit("ip_blocked", map[string]any{"reason": reason})
	}
}

func (s *SecurityService) IsIPTemporarilyBlocked(ctx context.Context, ip string) bool {
	var blocked bool
	err := s.breaker.Execute(ctx, func() error {
		_, ierr := s.store.Get(ctx, fmt.Sprintf("blocked:%s", ip))
		if ierr == nil {
			blocked = true
			return nil
		}
		if ierr == ports.ErrKVMiss {
			return nil
		}
		return ierr
	})
	if err != nil {
		s.logStoreFailure("temporary block lookup", err)
		// Fail-open treats an unknown block status as not blocked.
		return !s.cfg.FailOpen
	}
	return blocked
}

func (s *SecurityService) logStoreFailure(op string, err error) {
	s.logger.Warnw("counter store unavailable, applying fail-open policy",
		"op", op,
		"fail_open", s.cfg.FailOpen,
		"error", err,
	)
}
