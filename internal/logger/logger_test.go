package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"WARNING": zapcore.WarnLevel,
		" error ": zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok, s)
		require.Equal(t, lvl, got)
	}

	_, ok := ParseLogLevel("unknown")
	require.False(t, ok)
}

// TestParseFormat checks that only "json" selects the JSON encoder.
func TestParseFormat(t *testing.T) {
	t.Parallel()

	require.Equal(t, FormatJSON, ParseFormat("JSON"))
	require.Equal(t, FormatConsole, ParseFormat("console"))
	require.Equal(t, FormatConsole, ParseFormat(""))
}

// TestContextHelpers ensures loggers travel through the context with their fields.
func TestContextHelpers(t *testing.T) {
	t.Parallel()

	require.Same(t, Logger(), FromContext(context.Background()))

	core, logs := observer.New(zapcore.DebugLevel)
	ctx := ToContext(context.Background(), zap.New(core).Sugar())
	ctx = WithName(ctx, "engine")
	ctx = WithKV(ctx, "rule_id", "r-1")

	InfoKV(ctx, "rule armed", "wait", "5s")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "engine", entries[0].LoggerName)
	require.Equal(t, "r-1", entries[0].ContextMap()["rule_id"])
	require.Equal(t, "5s", entries[0].ContextMap()["wait"])
}

// TestScoped verifies the level override lets a component log below the base level and drop above it.
func TestScoped(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	Scoped(base, zapcore.DebugLevel).Debug("visible")
	Scoped(base, zapcore.ErrorLevel).Warn("hidden")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "visible", entries[0].Message)
}
