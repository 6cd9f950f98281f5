package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"TRACE":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestZapLevelMapping(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, zapLevel(slog.LevelDebug-4))
	assert.Equal(t, zap.DebugLevel, zapLevel(slog.LevelDebug))
	assert.Equal(t, zap.InfoLevel, zapLevel(slog.LevelInfo))
	assert.Equal(t, zap.WarnLevel, zapLevel(slog.LevelWarn))
	assert.Equal(t, zap.ErrorLevel, zapLevel(slog.LevelError))
}

func TestNewZapHandlerRespectsLevel(t *testing.T) {
	handler, err := NewZapHandler("warn")
	require.NoError(t, err)

	ctx := context.Background()
	assert.False(t, handler.Enabled(ctx, slog.LevelInfo))
	assert.True(t, handler.Enabled(ctx, slog.LevelWarn))
	assert.True(t, handler.Enabled(ctx, slog.LevelError))
}

func TestNewServiceLogger(t *testing.T) {
	logger, err := NewServiceLogger("billing", "error")
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Debug("suppressed", nil)
}
