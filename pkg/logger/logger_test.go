package logger

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedact(t *testing.T) {
	a := Redact("secret-channel")
	b := Redact("secret-channel")

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "h:"))
	assert.NotContains(t, a, "secret")
	assert.NotEqual(t, a, Redact("other-channel"))
	assert.Equal(t, "", Redact(""))
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New("not-a-level")
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
}

func TestContextLogger_AddsSessionFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithTraceID(WithSessionID(context.Background(), "sess-1"), "trace-1")
	cl.WithContext(ctx).Info("joined")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "sess-1", fields["session_id"])
		assert.Equal(t, "trace-1", fields["trace_id"])
	}
}
