package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	apperrors "roomlink/pkg/errors"
	"roomlink/pkg/utils"

	"go.uber.org/zap"
)

const minSecretLen = 32

// CredentialService issues and validates TURN REST credentials. The expiry
// is embedded in the username ("<unixExpiry>:<userId>") so the relay can
// verify a credential from the shared secret alone, without a store round trip.
type CredentialService struct {
	secret     []byte
	defaultTTL time.Duration
	sink       ports.EventSink
	logger     *zap.SugaredLogger
	nowFn      func() time.Time
}

func NewCredentialService(secret string, defaultTTL time.Duration, sink ports.EventSink, logger *zap.SugaredLogger) (*CredentialService, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("relay credential secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}
	if defaultTTL <= 0 {
		defaultTTL = domain.DefaultCredentialTTL * time.Second
	}
	return &CredentialService{
		secret:     []byte(secret),
		defaultTTL: defaultTTL,
		sink:       sink,
		logger:     logger,
		nowFn:      time.Now,
	}, nil
}

// Issue creates a credential for the user. ttlSeconds <= 0 selects the
// configured default; out-of-range TTLs are rejected.
func (s *CredentialService) Issue(userID domain.UserID, role domain.ParticipantRole, clientIP string, ttlSeconds int64) (*domain.RelayCredential, error) {
	if userID == "" {
		return nil, apperrors.NewInvalidInput("user id must not be empty")
	}
	if ttlSeconds <= 0 {
		ttlSeconds = int64(s.defaultTTL.Seconds())
	}
	if ttlSeconds < domain.MinCredentialTTL || ttlSeconds > domain.MaxCredentialTTL {
		return nil, apperrors.NewInvalidInput(
			fmt.Sprintf("ttl must be within [%d, %d] seconds", domain.MinCredentialTTL, domain.MaxCredentialTTL))
	}

	expiresAt := s.nowFn().Add(time.Duration(ttlSeconds) * time.Second)
	username := fmt.Sprintf("%d:%s", expiresAt.Unix(), userID)

	cred := &domain.RelayCredential{
		CredentialID: utils.GenerateCredentialID(),
		Username:     username,
		Credential:   s.sign(username),
		TTLSeconds:   ttlSeconds,
		ExpiresAt:    expiresAt,
	}

	s.logger.Infow("issued relay credential",
		"user_id", userID,
		"role", role,
		"client_ip", clientIP,
		"ttl_seconds", ttlSeconds,
		"credential_id", cred.CredentialID,
	)
	if s.sink != nil {
		s.sink.Emit("credential_issued", map[string]any{
			"user_id": string(userID),
			"role":    string(role),
			"ttl":     ttlSeconds,
		})
	}
	return cred, nil
}

// Validate recomputes the expected hash and compares in constant time.
// Expired or malformed usernames fail validation.
func (s *CredentialService) Validate(username, credential, clientIP string) bool {
	if username == "" || credential == "" {
		return false
	}
	if s.IsExpired(username) {
		return false
	}

	expected, err := base64.StdEncoding.DecodeString(s.sign(username))
	if err != nil {
		return false
	}
	provided, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}

// IsExpired parses the leading "<timestamp>:" prefix. Malformed input is
// treated as expired.
func (s *CredentialService) IsExpired(username string) bool {
	prefix, _, ok := strings.Cut(username, ":")
	if !ok {
		return true
	}
	expiry, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return true
	}
	return s.nowFn().Unix() >= expiry
}

// ExtractUserID returns everything after the first ':'; user identifiers
// may themselves contain ':'.
func (s *CredentialService) ExtractUserID(username string) string {
	_, rest, ok := strings.Cut(username, ":")
	if !ok {
		return ""
	}
	return rest
}

func (s *CredentialService) sign(username string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
