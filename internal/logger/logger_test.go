package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWithoutFile(t *testing.T) {
	log, closer, err := Config{Level: "debug"}.Setup()
	require.NoError(t, err)
	require.NotNil(t, log)
	require.NoError(t, closer.Close())
	require.True(t, log.Enabled(context.Background(), slog.LevelDebug))
}

func TestSetupWithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "desto.log")
	log, closer, err := Config{File: path}.Setup()
	require.NoError(t, err)
	log.Info("session started", "session", "demo")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "session started")
	require.Contains(t, string(data), "session=demo")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("debug"))
	require.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	require.Equal(t, slog.LevelError, parseLevel("error"))
	require.Equal(t, slog.LevelInfo, parseLevel(""))
	require.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestColorHandlerLevels(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, true)
	log := slog.New(h)
	log.Warn("careful")
	out := buf.String()
	require.Contains(t, out, "\033[33mWARN\033[0m")
	require.Contains(t, out, "msg=careful")
	// escape bytes must reach the terminal raw, not quoted into the message
	require.NotContains(t, out, `\x1b`)
}

func TestColorHandlerKeepsAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, true)
	log := slog.New(h).With("session", "demo")
	log.Error("boom")
	out := buf.String()
	require.Contains(t, out, "\033[31mERROR\033[0m")
	require.Contains(t, out, "session=demo")
}

func TestMultiHandlerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := multiHandler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}
	log := slog.New(h)
	log.Info("only first")
	log.Warn("both")
	require.Contains(t, a.String(), "only first")
	require.NotContains(t, b.String(), "only first")
	require.Contains(t, a.String(), "both")
	require.Contains(t, b.String(), "both")
}
