package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

// failingKVStore simulates a dead counter store.
type failingKVStore struct{}

var errStoreDown = errors.New("store down")

func (failingKVStore) Get(ctx context.Context, key string) (string, error) { return "", errStoreDown }
func (failingKVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errStoreDown
}
func (failingKVStore) Del(ctx context.Context, key string) error { return errStoreDown }
func (failingKVStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return errStoreDown
}
func (failingKVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return nil, errStoreDown
}
func (failingKVStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (failingKVStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return 0, errStoreDown
}

func newTestGuard(t *testing.T, mutate func(*SecurityConfig)) *SecurityService {
	t.Helper()
	cfg := DefaultSecurityConfig()
	cfg.CredentialRateLimit = 3
	cfg.ConnectionRateLimit = 3
	cfg.MaxSessionsPerUser = 2
	if mutate != nil {
		mutate(&cfg)
	}
	return NewSecurityService(cfg, memory.NewMemoryKVStore(), nil, zaptest.NewLogger(t).Sugar())
}

func TestSecurityService_CredentialRateLimit(t *testing.T) {
	guard := newTestGuard(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, guard.CheckCredentialRequestRate(ctx, "user-a", "203.0.113.1"), "request %d", i+1)
	}
	assert.False(t, guard.CheckCredentialRequestRate(ctx, "user-a", "203.0.113.1"), "limit+1 must be denied")

	// A different user on a different address is unaffected.
	assert.True(t, guard.CheckCredentialRequestRate(ctx, "user-b", "203.0.113.2"))
}

func TestSecurityService_ConnectionRatePerIPLimit(t *testing.T) {
	guard := newTestGuard(t, func(cfg *SecurityConfig) {
		cfg.ConnectionRateLimit = 2
		cfg.ConnectionIPFactor = 2
	})
	ctx := context.Background()

	// Four distinct users share one address; the per-IP allowance is 2*2=4.
	users := []domain.UserID{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		assert.True(t, guard.CheckConnectionAttemptRate(ctx, u, "198.51.100.9"))
	}
	assert.False(t, guard.CheckConnectionAttemptRate(ctx, "u5", "198.51.100.9"))
}

func TestSecurityService_FailOpenPolicy(t *testing.T) {
	ctx := context.Background()

	open := NewSecurityService(DefaultSecurityConfig(), failingKVStore{}, nil, zaptest.NewLogger(t).Sugar())
	assert.True(t, open.CheckCredentialRequestRate(ctx, "user-a", "203.0.113.1"))
	assert.True(t, open.CheckSessionLimit(ctx, "user-a"))
	assert.True(t, open.CheckBandwidthQuota(ctx, "user-a", domain.RoleGuest, 1024))

	closedCfg := DefaultSecurityConfig()
	closedCfg.FailOpen = false
	closed := NewSecurityService(closedCfg, failingKVStore{}, nil, zaptest.NewLogger(t).Sugar())
	assert.False(t, closed.CheckCredentialRequestRate(ctx, "user-a", "203.0.113.1"))
	assert.False(t, closed.CheckSessionLimit(ctx, "user-a"))
	assert.False(t, closed.CheckBandwidthQuota(ctx, "user-a", domain.RoleGuest, 1024))
}

func TestSecurityService_IPRestrictions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*SecurityConfig)
		ip     string
		want   bool
	}{
		{
			name:   "no restriction allows everything",
			mutate: nil,
			ip:     "203.0.113.1",
			want:   true,
		},
		{
			name: "allow-list member",
			mutate: func(cfg *SecurityConfig) {
				cfg.RestrictIPs = true
				cfg.AllowedCIDRs = []string{"10.0.0.0/8"}
			},
			ip:   "10.1.2.3",
			want: true,
		},
		{
			name: "allow-list non-member",
			mutate: func(cfg *SecurityConfig) {
				cfg.RestrictIPs = true
				cfg.AllowedCIDRs = []string{"10.0.0.0/8"}
			},
			ip:   "192.0.2.1",
			want: false,
		},
		{
			name: "ipv6 client against ipv4 allow-list",
			mutate: func(cfg *SecurityConfig) {
				cfg.RestrictIPs = true
				cfg.AllowedCIDRs = []string{"10.0.0.0/8"}
			},
			ip:   "2001:db8::1",
			want: false,
		},
		{
			name: "blocked exact ip",
			mutate: func(cfg *SecurityConfig) {
				cfg.RestrictIPs = true
				cfg.BlockedIPs = []string{"203.0.113.50"}
			},
			ip:   "203.0.113.50",
			want: false,
		},
		{
			name: "blocked cidr",
			mutate: func(cfg *SecurityConfig) {
				cfg.RestrictIPs = true
				cfg.BlockedIPs = []string{"203.0.113.0/24"}
			},
			ip:   "203.0.113.77",
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := newTestGuard(t, tt.mutate)
			assert.Equal(t, tt.want, guard.IsIPAllowed(ctx, tt.ip))
		})
	}
}

func TestSecurityService_TemporaryBlock(t *testing.T) {
	guard := newTestGuard(t, func(cfg *SecurityConfig) {
		cfg.RestrictIPs = true
	})
	ctx := context.Background()

	assert.True(t, guard.IsIPAllowed(ctx, "203.0.113.9"))

	guard.BlockIPTemporarily(ctx, "203.0.113.9", time.Minute, "test")
	assert.True(t, guard.IsIPTemporarilyBlocked(ctx, "203.0.113.9"))
	assert.False(t, guard.IsIPAllowed(ctx, "203.0.113.9"))
}

func TestSecurityService_CriticalViolationAutoBlocks(t *testing.T) {
	guard := newTestGuard(t, func(cfg *SecurityConfig) {
		cfg.RestrictIPs = true
	})
	ctx := context.Background()

	guard.RecordViolation(ctx, domain.SecurityViolation{
		Type:     domain.ViolationCredentialRate,
		ClientIP: "203.0.113.66",
		Severity: domain.SeverityCritical,
		Details:  "repeated credential abuse",
	})
	assert.True(t, guard.IsIPTemporarilyBlocked(ctx, "203.0.113.66"))
}

func TestSecurityService_ConnectionSlots(t *testing.T) {
	guard := newTestGuard(t, func(cfg *SecurityConfig) {
		cfg.MaxConnectionsPerIP = 2
	})

	assert.True(t, guard.AcquireConnectionSlot("198.51.100.1"))
	assert.True(t, guard.AcquireConnectionSlot("198.51.100.1"))
	assert.False(t, guard.AcquireConnectionSlot("198.51.100.1"))

	guard.ReleaseConnectionSlot("198.51.100.1")
	assert.True(t, guard.AcquireConnectionSlot("198.51.100.1"))
}

func TestSecurityService_SessionLimitAndRelease(t *testing.T) {
	guard := newTestGuard(t, nil) // limit 2
	ctx := context.Background()

	assert.True(t, guard.CheckSessionLimit(ctx, "user-a"))
	assert.True(t, guard.CheckSessionLimit(ctx, "user-a"))
	assert.False(t, guard.CheckSessionLimit(ctx, "user-a"))

	// The denied attempt must not have consumed a slot.
	guard.ReleaseSession(ctx, "user-a")
	assert.True(t, guard.CheckSessionLimit(ctx, "user-a"))
}

func TestSecurityService_BandwidthQuotaPerRole(t *testing.T) {
	guard := newTestGuard(t, func(cfg *SecurityConfig) {
		cfg.HostBandwidthQuota = 1000
		cfg.GuestBandwidthQuota = 100
	})
	ctx := context.Background()

	assert.True(t, guard.CheckBandwidthQuota(ctx, "user-a", domain.RoleGuest, 90))
	assert.False(t, guard.CheckBandwidthQuota(ctx, "user-a", domain.RoleGuest, 20))

	// The host quota is tracked independently of the guest quota.
	assert.True(t, guard.CheckBandwidthQuota(ctx, "user-a", domain.RoleHost, 500))
}
