package logging

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
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_AutoIsJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Level: "info", Format: FormatAuto})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("provider initialized", "provider", "openai")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "provider initialized", rec["msg"])
	assert.Equal(t, "openai", rec["provider"])
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Level: "debug", Format: FormatText})
	require.NoError(t, err)

	logger.Debug("reopening stream", "attempt", 2)
	out := buf.String()
	assert.Contains(t, out, "reopening stream")
	assert.Contains(t, out, "attempt=2")
	assert.NotContains(t, out, "\033[", "colors must be off when not writing to a terminal")
}

func TestNew_UnknownFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, Options{Format: "xml"})
	assert.Error(t, err)
}
