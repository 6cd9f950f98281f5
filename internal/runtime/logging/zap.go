package logging

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps LOG_LEVEL values onto slog levels. Unknown values fall back
// to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zap.ErrorLevel
	case level >= slog.LevelWarn:
		return zap.WarnLevel
	case level >= slog.LevelInfo:
		return zap.InfoLevel
	default:
		return zap.DebugLevel
	}
}

// NewZapHandler builds the production slog handler: JSON lines on stderr,
// RFC 3339 timestamps, sampled.
func NewZapHandler(level string) (slog.Handler, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(zapLevel(ParseLevel(level))),
		Development:       false,
		DisableStacktrace: true,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("building zap logger: %w", err)
	}
	return zapslog.NewHandler(zapLogger.Core()), nil
}

// NewServiceLogger is the composition-root shortcut: a zap-backed ServiceLogger
// at the given level, tagged with the service name.
func NewServiceLogger(serviceName, level string) (ServiceLogger, error) {
	handler, err := NewZapHandler(level)
	if err != nil {
		return nil, err
	}
	logger := NewSlogServiceLogger(slog.New(handler))
	if serviceName != "" {
		logger = logger.With(LogFields{"service": serviceName})
	}
	return logger, nil
}
