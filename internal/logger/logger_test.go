package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_LevelsAndFormats(t *testing.T) {
	l, err := New("debug", "console")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = New("warn", "json")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = New("loud", "json")
	assert.Error(t, err)

	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestPionFactory_ScopesAndLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := NewPionFactory(zap.New(core))

	ice := f.NewLogger("ice")
	ice.Tracef("pair %d", 1)
	ice.Warn("no candidates")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "pion.ice", entries[0].LoggerName)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "pair 1", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}
