package services

import (
	"context"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/pkg/cache"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// EndpointService assembles the ICE server list for a participant: the
// configured STUN endpoints plus the relay endpoints with a fresh
// per-user TURN credential. Resolved lists are cached just under the
// credential lifetime so repeated joins do not burn credential issuance.
type EndpointService struct {
	stunURLs []string
	turnURLs []string
	issuer   ports.CredentialIssuer
	cache    *cache.Cache[[]webrtc.ICEServer]
	logger   *zap.SugaredLogger
}

func NewEndpointService(stunURLs, turnURLs []string, cacheTTL time.Duration, issuer ports.CredentialIssuer, logger *zap.SugaredLogger) *EndpointService {
	if cacheTTL <= 0 {
		cacheTTL = 8 * time.Minute
	}
	return &EndpointService{
		stunURLs: stunURLs,
		turnURLs: turnURLs,
		issuer:   issuer,
		cache:    cache.New[[]webrtc.ICEServer](cacheTTL),
		logger:   logger,
	}
}

func (s *EndpointService) Resolve(ctx context.Context, userID domain.UserID, role domain.ParticipantRole, clientIP string) ([]webrtc.ICEServer, error) {
	if servers, ok := s.cache.Get(string(userID)); ok {
		return servers, nil
	}

	servers := s.ResolveSTUNOnly()
	if len(s.turnURLs) > 0 {
		cred, err := s.issuer.Issue(userID, role, clientIP, 0)
		if err != nil {
			return nil, err
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:           s.turnURLs,
			Username:       cred.Username,
			Credential:     cred.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	s.cache.Set(string(userID), servers)
	s.logger.Debugw("resolved relay endpoints",
		"user_id", userID,
		"stun", len(s.stunURLs),
		"turn", len(s.turnURLs),
	)
	return servers, nil
}

// ResolveSTUNOnly returns the direct-discovery endpoints without any relay,
// used for the STUN-only recovery fallback.
func (s *EndpointService) ResolveSTUNOnly() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(s.stunURLs)+1)
	for _, url := range s.stunURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return servers
}

// Invalidate drops the cached endpoint list for a user, forcing the next
// Resolve to issue fresh credentials.
func (s *EndpointService) Invalidate(userID domain.UserID) {
	s.cache.Delete(string(userID))
}

// Close stops the cache sweep.
func (s *EndpointService) Close() {
	s.cache.Stop()
}
