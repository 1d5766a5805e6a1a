package zap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core), "consumer")

	l.Debug("polling")
	l.Info("subscribed")
	l.Warn("skipping message")
	l.Error("not acknowledged", errors.New("outbox record not found"))

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)

	wantLevels := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, e := range entries {
		assert.Equal(t, wantLevels[i], e.Level)
		assert.Equal(t, "consumer", e.ContextMap()["component"])
	}
	assert.Equal(t, "not acknowledged", entries[3].Message)
	assert.Equal(t, "outbox record not found", entries[3].ContextMap()["error"])
}
