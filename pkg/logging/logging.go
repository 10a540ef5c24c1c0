// Package logging builds the structured logger threaded through every
// HorizonDB storage subsystem at construction, handed to each engine/
// storage component's constructor rather than resolved from a global.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-profile sugared logger tagged with the given
// component name. Callers construct one per subsystem (commit log, partition
// manager, ...) so log lines are attributable without per-call tagging.
func New(component string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		// Logging must never be the reason the engine fails to start.
		logger = zap.NewNop()
	}
	return logger.Sugar().Named(component)
}

// Nop returns a logger that discards everything, used by tests and by any
// subsystem built without an explicit logger.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
