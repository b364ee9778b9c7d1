package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Format "json" yields production encoding,
// anything else the development console encoder.
func New(level, format string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// WithRoom returns a logger scoped to a room.
func WithRoom(log *zap.SugaredLogger, roomID string) *zap.SugaredLogger {
	return log.With("room_id", roomID)
}

// WithParticipant returns a logger scoped to a participant.
func WithParticipant(log *zap.SugaredLogger, participantID string) *zap.SugaredLogger {
	return log.With("participant_id", participantID)
}
