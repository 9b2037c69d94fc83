package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterCreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	c := Config{Dir: dir}
	w, path := c.Writer("api")
	require.NotNil(t, w)
	require.Equal(t, filepath.Join(dir, "api.log"), path)

	_, err := w.Write([]byte("line one\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "line one")
}

func TestWriterNilWithoutDir(t *testing.T) {
	w, path := Config{}.Writer("api")
	require.Nil(t, w)
	require.Empty(t, path)
}

func TestSetupLevels(t *testing.T) {
	log := Setup("debug")
	require.True(t, log.Enabled(context.Background(), slog.LevelDebug))

	log = Setup("error")
	require.False(t, log.Enabled(context.Background(), slog.LevelWarn))
	require.True(t, log.Enabled(context.Background(), slog.LevelError))

	log = Setup("")
	require.True(t, log.Enabled(context.Background(), slog.LevelInfo))
	require.False(t, log.Enabled(context.Background(), slog.LevelDebug))
}
