package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		assert.NotNil(t, l)
		assert.NoError(t, l.Close())
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "aide.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		l.Info().Str("sender", "tg:1").Msg("Item enqueued")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "Item enqueued")
		assert.Contains(t, string(data), `"sender":"tg:1"`)
	})

	t.Run("redaction applies to file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "aide.log")

		l, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)
		require.NotNil(t, l.redactor)

		l.Info().Str("auth", "Bearer abc.def.ghi").Msg("Calling provider")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "abc.def.ghi")
		assert.Contains(t, string(data), redactedMark)
	})

	t.Run("invalid extra pattern", func(t *testing.T) {
		_, err := New(Config{Level: "info", Redaction: true, Extra: []string{"("}})
		assert.Error(t, err)
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "chatty"})
		require.NoError(t, err)
		assert.Equal(t, "info", l.GetZerolog().GetLevel().String())
	})
}

func TestComponent(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "aide.log")
	l, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)

	c := l.Component("ingest")
	c.Info().Msg("started")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"ingest"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
}
