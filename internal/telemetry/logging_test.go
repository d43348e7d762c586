package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestSetupLogger(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	t.Run("json by default", func(t *testing.T) {
		var buf bytes.Buffer
		logger := SetupLogger("info", "", &buf)

		logger.Debug("hidden")
		logger.Info("consuming", "queue", "chat-bot1")

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1)

		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
		assert.Equal(t, "consuming", entry["msg"])
		assert.Equal(t, "chat-bot1", entry["queue"])
		assert.Same(t, logger, slog.Default())
	})

	t.Run("text format with debug source", func(t *testing.T) {
		var buf bytes.Buffer
		logger := SetupLogger("debug", "text", &buf)

		logger.Debug("state changed", "to", "consuming")

		out := buf.String()
		assert.Contains(t, out, "level=DEBUG")
		assert.Contains(t, out, "to=consuming")
		assert.Contains(t, out, "source=")
	})
}
