package services

import (
	"errors"

	"roomlink/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims are the bearer-token claims roomlink consumes. Token issuance is
// external; this service only verifies.
type Claims struct {
	UserID      domain.UserID          `json:"user_id"`
	DisplayName string                 `json:"display_name"`
	Role        domain.ParticipantRole `json:"role"`
	jwt.RegisteredClaims
}

// TokenService verifies HS256 bearer tokens presented on the signaling
// endpoint.
type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	if claims.Role != domain.RoleHost && claims.Role != domain.RoleGuest {
		claims.Role = domain.RoleGuest
	}
	return claims, nil
}
