package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromZap_ForwardsKeyValues(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core))

	l.Info("slot ready", "slot_name", "outbox_slot", "position", "0/16B3748")
	l.Error("dispatch failed", "error", "boom")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "slot ready", entries[0].Message)
		assert.Equal(t, "outbox_slot", entries[0].ContextMap()["slot_name"])
		assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	}
}

func TestFromZap_NilIsNop(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Nop, FromZap(nil))
}

func TestLevel_UnknownFallsBackToInfo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   Level
		want zapcore.Level
	}{
		{LevelDebug, zapcore.DebugLevel},
		{LevelInfo, zapcore.InfoLevel},
		{LevelWarn, zapcore.WarnLevel},
		{LevelError, zapcore.ErrorLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.zap(), string(tt.in))
	}
}
