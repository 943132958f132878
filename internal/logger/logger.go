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

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultFile       = "omsd.log"
)

// Config describes where the daemon logs go.
// When Dir is empty only the console handler is used.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Level      string // debug|info|warn|error (default info)
	Color      bool   // ANSI colours on the console handler
	Dir        string // base directory for log files
	File       string // main log file name inside Dir (default omsd.log)
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
}

// New builds the daemon logger. The returned closer releases the rotated
// file writer, if any.
func New(c Config) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var console slog.Handler
	if c.Color {
		console = NewColorTextHandler(os.Stderr, opts, true)
	} else {
		console = slog.NewTextHandler(os.Stderr, opts)
	}
	if c.Dir == "" {
		return slog.New(console), nopCloser{}, nil
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	name := c.File
	if name == "" {
		name = DefaultFile
	}
	w := c.Writer(name)
	file := slog.NewJSONHandler(w, opts)
	return slog.New(fanout{console, file}), w, nil
}

// Writer returns a rotated writer for name inside Dir. An absolute name is
// used as is. Returns a discarding writer when Dir is empty and name is relative.
func (c Config) Writer(name string) io.WriteCloser {
	path := name
	if !filepath.IsAbs(path) {
		if c.Dir == "" {
			return nopWriteCloser{io.Discard}
		}
		path = filepath.Join(c.Dir, name)
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// ParseLevel maps a config string to a slog level; unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
