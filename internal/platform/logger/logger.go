// Package logger builds the process-wide *slog.Logger. Records are encoded by
// zap through the zapslog handler.
package logger

import (
	"fmt"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// New returns a structured logger writing to stdout at the given level
// ("debug", "info", "warn", "error"). format "console" selects a
// human-readable encoder; anything else is JSON. The returned func flushes
// buffered records and should be deferred by main.
func New(level, format string) (*slog.Logger, func(), error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	zl, err := zcfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build zap logger: %w", err)
	}

	handler := zapslog.NewHandler(zl.Core(), zapslog.WithCaller(true))
	return slog.New(handler), func() { _ = zl.Sync() }, nil
}

// Nop discards every record. Used as the default in constructors and tests.
func Nop() *slog.Logger {
	return slog.New(zapslog.NewHandler(zapcore.NewNopCore()))
}
