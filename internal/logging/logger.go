package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production ready structured logger at the given level.
// An empty level means info.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	return cfg.Build()
}

// WithOperation enriches the logger with operation and session identifiers.
func WithOperation(logger *zap.Logger, operation, sessionID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if sessionID != "" {
		fields = append(fields, zap.String("session_id", sessionID))
	}
	return logger.With(fields...)
}
