package infra

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLogger_WritesRotatedFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	cfg := &Config{}
	cfg.App.Name = "unit"
	cfg.Logging.Dir = dir
	cfg.Logging.Level = "debug"
	cfg.Logging.MaxSizeMB = 1

	logger := NewLogger(cfg)
	require.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
	logger.Info("hello", slog.String("k", "v"))

	raw, err := os.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"msg":"hello"`)
	require.Contains(t, string(raw), `"app":"unit"`)
}
