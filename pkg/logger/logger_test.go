package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{Logger: zap.New(core)}, logs
}

func TestWithContext_AddsRequestAndTenant(t *testing.T) {
	l, logs := observed()

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithTenant(ctx, "tenant-1")
	l.InfoContext(ctx, "member signed up")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "tenant-1", fields["tenant_id"])
	assert.NotContains(t, fields, "trace_id")
}

func TestWithContext_EmptyContextKeepsLogger(t *testing.T) {
	l, _ := observed()
	assert.Same(t, l, l.WithContext(context.Background()))
	assert.Same(t, l, l.WithContext(ContextWithTenant(context.Background(), "")))
}

func TestWithFields(t *testing.T) {
	l, logs := observed()
	l.WithFields(zap.String("saga_id", "s1")).Warn("step failed")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "s1", entry.ContextMap()["saga_id"])
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l, err := New(&Config{Level: "chatty", OutputPath: "stderr"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
}

func TestInit_ReplacesGlobal(t *testing.T) {
	prev := Get()
	t.Cleanup(func() { global.Store(prev) })

	require.NoError(t, Init(&Config{Level: "error", OutputPath: "stderr"}))
	assert.NotSame(t, prev, Get())
	assert.False(t, Get().Core().Enabled(zapcore.WarnLevel))
}
