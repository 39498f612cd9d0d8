// Package logging provides the zap loggers used across the stack. Every
// engine component takes an injected *zap.Logger; nothing in this module
// touches a process-wide logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger writing to stderr at the given level.
func New(level zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	logger, err := cfg.Build()
	if err != nil {
		// A static config cannot fail to build; fall back to a silent logger
		// rather than panicking inside a library.
		return zap.NewNop()
	}
	return logger
}

// NewNop returns a logger that discards everything. It is the default for
// every component so that library users opt in to output explicitly.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// ParseLevel converts a configuration string ("debug", "info", "warn",
// "error") into a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q: %w", s, err)
	}
	return level, nil
}
