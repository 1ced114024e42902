package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })

	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"bogus":   slog.LevelInfo,
	} {
		SetLevel(in)
		require.Equal(t, want, Level(), in)
	}
}

func TestSetOutput_HonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	prev := L
	t.Cleanup(func() { L = prev; SetLevel("info") })

	SetOutput(&buf)
	SetLevel("warn")
	L.Info("hidden")
	L.Warn("shown", "k", "v")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	require.Equal(t, "shown", rec["msg"])
	require.Equal(t, "v", rec["k"])
}
