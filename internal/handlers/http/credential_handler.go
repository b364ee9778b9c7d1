package http

import (
	"net"
	"net/http"
	"time"

	"roomlink/internal/core/ports"
	"roomlink/internal/core/services"
	apperrors "roomlink/pkg/errors"

	"github.com/gin-gonic/gin"
)

// CredentialHandler serves the relay credential and ICE server endpoints.
// Both require a valid bearer token; credential issuance additionally runs
// through the rate guard.
type CredentialHandler struct {
	issuer   ports.CredentialIssuer
	resolver ports.EndpointResolver
	guard    ports.SecurityGuard
	tokens   *services.TokenService
	turnURLs []string
}

func NewCredentialHandler(issuer ports.CredentialIssuer, resolver ports.EndpointResolver, guard ports.SecurityGuard, tokens *services.TokenService, turnURLs []string) *CredentialHandler {
	return &CredentialHandler{
		issuer:   issuer,
		resolver: resolver,
		guard:    guard,
		tokens:   tokens,
		turnURLs: turnURLs,
	}
}

func (h *CredentialHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.POST("/turn-credentials", h.IssueCredentials)
		api.GET("/ice-servers", h.ICEServers)
	}
}

type credentialRequest struct {
	TTLSeconds int64 `json:"ttl_seconds" binding:"omitempty,min=1,max=43200"`
}

type credentialResponse struct {
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int64    `json:"ttl"`
	URLs       []string `json:"urls"`
	ExpiresAt  int64    `json:"expires_at"`
}

// IssueCredentials issues a time-limited TURN credential for the caller.
func (h *CredentialHandler) IssueCredentials(c *gin.Context) {
	claims, ok := h.authenticate(c)
	if !ok {
		return
	}
	clientIP := requestIP(c)

	if !h.guard.IsIPAllowed(c.Request.Context(), clientIP) {
		respondError(c, apperrors.NewAccessDenied("access denied"))
		return
	}
	if !h.guard.CheckCredentialRequestRate(c.Request.Context(), claims.UserID, clientIP) {
		respondError(c, apperrors.NewRateLimited())
		return
	}

	var req credentialRequest
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			respondError(c, apperrors.NewInvalidInput("invalid request format"))
			return
		}
	}

	cred, err := h.issuer.Issue(claims.UserID, claims.Role, clientIP, req.TTLSeconds)
	if err != nil {
		respondError(c, apperrors.NewInternal("could not issue credential"))
		return
	}

	c.JSON(http.StatusOK, credentialResponse{
		Username:   cred.Username,
		Credential: cred.Credential,
		TTL:        cred.TTLSeconds,
		URLs:       h.turnURLs,
		ExpiresAt:  cred.ExpiresAt.Unix(),
	})
}

// ICEServers returns the full ICE server list (STUN plus credentialed TURN)
// for the caller.
func (h *CredentialHandler) ICEServers(c *gin.Context) {
	claims, ok := h.authenticate(c)
	if !ok {
		return
	}
	clientIP := requestIP(c)

	if !h.guard.IsIPAllowed(c.Request.Context(), clientIP) {
		respondError(c, apperrors.NewAccessDenied("access denied"))
		return
	}

	servers, err := h.resolver.Resolve(c.Request.Context(), claims.UserID, claims.Role, clientIP)
	if err != nil {
		respondError(c, apperrors.NewInternal("could not resolve ice servers"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ice_servers": servers,
		"timestamp":   time.Now().Unix(),
	})
}

func (h *CredentialHandler) authenticate(c *gin.Context) (*services.Claims, bool) {
	token := bearerFromHeader(c.GetHeader("Authorization"))
	if token == "" {
		token = c.Query("token")
	}
	claims, err := h.tokens.Verify(token)
	if err != nil {
		respondError(c, apperrors.NewUnauthorized("invalid or expired token"))
		return nil, false
	}
	return claims, true
}

func bearerFromHeader(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func requestIP(c *gin.Context) string {
	if ip := net.ParseIP(c.ClientIP()); ip != nil {
		return ip.String()
	}
	return c.ClientIP()
}

func respondError(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{
		"error": gin.H{
			"code":    err.Code,
			"message": err.Message,
		},
	})
}
