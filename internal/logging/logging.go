// Package logging constructs the structured logger shared by every
// component. It promotes go.uber.org/zap from the teacher's indirect
// dependency to direct, active use, filling the ambient-stack gap left by
// the teacher's desktop-only NDJSON audit logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger for the given level name ("debug", "info",
// "warn", "error"). Unknown levels fall back to "info". JSON encoding is used
// throughout; there is no desktop/dev split in this service.
func New(level string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()

	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		zl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(zl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}
