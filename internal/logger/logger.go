package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for per-process output files.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where a process's combined output is written. Stdout and
// stderr share one stream so output scanning sees lines in arrival order.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string // base directory for logs
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // gzip rotated files
}

// Writer returns the rotating writer and path for the named process, or a
// nil writer when no log directory is configured.
func (c Config) Writer(name string) (io.WriteCloser, string) {
	if c.Dir == "" {
		return nil, ""
	}
	path := filepath.Join(c.Dir, fmt.Sprintf("%s.log", name))
	w := &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	return w, path
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Setup returns the daemon's own structured logger writing to stderr.
func Setup(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	h := NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}, true)
	return slog.New(h)
}
