package services

import (
	"strings"
	"testing"
	"time"

	"roomlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestCredentialService(t *testing.T) *CredentialService {
	t.Helper()
	svc, err := NewCredentialService(testSecret, 10*time.Minute, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return svc
}

func TestNewCredentialService_RejectsShortSecret(t *testing.T) {
	_, err := NewCredentialService("too-short", time.Minute, nil, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
}

func TestCredentialService_IssueAndValidate(t *testing.T) {
	svc := newTestCredentialService(t)

	cred, err := svc.Issue("user-1", domain.RoleHost, "203.0.113.7", 600)
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(cred.Username, ":user-1"))
	assert.Equal(t, int64(600), cred.TTLSeconds)
	assert.True(t, svc.Validate(cred.Username, cred.Credential, "203.0.113.7"))
}

func TestCredentialService_ValidateRejectsTamperedUsername(t *testing.T) {
	svc := newTestCredentialService(t)

	cred, err := svc.Issue("user-1", domain.RoleGuest, "", 600)
	require.NoError(t, err)

	tampered := strings.Replace(cred.Username, "user-1", "user-2", 1)
	assert.False(t, svc.Validate(tampered, cred.Credential, ""))
}

func TestCredentialService_ValidateRejectsWrongCredential(t *testing.T) {
	svc := newTestCredentialService(t)

	cred, err := svc.Issue("user-1", domain.RoleGuest, "", 600)
	require.NoError(t, err)

	assert.False(t, svc.Validate(cred.Username, "bm90LXRoZS1yaWdodC1tYWM=", ""))
	assert.False(t, svc.Validate(cred.Username, "not-base64!!", ""))
	assert.False(t, svc.Validate("", cred.Credential, ""))
}

func TestCredentialService_ExpiryIsBoundary(t *testing.T) {
	svc := newTestCredentialService(t)

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.nowFn = func() time.Time { return issued }

	cred, err := svc.Issue("user-1", domain.RoleGuest, "", 60)
	require.NoError(t, err)

	// One second before expiry: still valid.
	svc.nowFn = func() time.Time { return issued.Add(59 * time.Second) }
	assert.False(t, svc.IsExpired(cred.Username))
	assert.True(t, svc.Validate(cred.Username, cred.Credential, ""))

	// At the expiry instant the credential is already invalid.
	svc.nowFn = func() time.Time { return issued.Add(60 * time.Second) }
	assert.True(t, svc.IsExpired(cred.Username))
	assert.False(t, svc.Validate(cred.Username, cred.Credential, ""))
}

func TestCredentialService_TTLBounds(t *testing.T) {
	svc := newTestCredentialService(t)

	tests := []struct {
		name    string
		ttl     int64
		wantErr bool
		wantTTL int64
	}{
		{name: "zero selects default", ttl: 0, wantTTL: 600},
		{name: "negative selects default", ttl: -5, wantTTL: 600},
		{name: "minimum allowed", ttl: 1, wantTTL: 1},
		{name: "maximum allowed", ttl: 43200, wantTTL: 43200},
		{name: "over maximum rejected", ttl: 43201, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := svc.Issue("user-1", domain.RoleGuest, "", tt.ttl)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTTL, cred.TTLSeconds)
		})
	}
}

func TestCredentialService_IssueRequiresUserID(t *testing.T) {
	svc := newTestCredentialService(t)
	_, err := svc.Issue("", domain.RoleGuest, "", 600)
	require.Error(t, err)
}

func TestCredentialService_ExtractUserID(t *testing.T) {
	svc := newTestCredentialService(t)

	assert.Equal(t, "user-1", svc.ExtractUserID("1700000000:user-1"))
	assert.Equal(t, "tenant:user-1", svc.ExtractUserID("1700000000:tenant:user-1"))
	assert.Equal(t, "", svc.ExtractUserID("no-colon"))
}

func TestCredentialService_MalformedUsernameIsExpired(t *testing.T) {
	svc := newTestCredentialService(t)

	assert.True(t, svc.IsExpired("no-colon"))
	assert.True(t, svc.IsExpired("not-a-number:user-1"))
	assert.True(t, svc.IsExpired(""))
}
