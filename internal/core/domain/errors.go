package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomInactive        = errors.New("room is not active")
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrGuestNotFound       = errors.New("guest not found")
	ErrNotConnected        = errors.New("participant has no live connection")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrAccessDenied        = errors.New("access denied")
	ErrStoreUnavailable    = errors.New("shared store unavailable")
	ErrInvalidCredential   = errors.New("invalid relay credential")
)
