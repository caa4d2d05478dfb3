package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters (lumberjack semantics).
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Level names accepted by SlogConfig.Level.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Format selects the structured log encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the application logger.
type SlogConfig struct {
	Level  string // debug|info|warn|error (default info)
	Format Format // text|json (default text)
	Color  bool   // colorize level names (text format, non-file output)
	Source bool   // include source file:line
	File   string // optional rotating file sink; empty logs to stderr
}

// FileConfig describes rotating log destinations for supervised processes.
// If StdoutPath/StderrPath are empty and Dir is set, files are
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
type FileConfig struct {
	Dir        string
	StdoutPath string
	StderrPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config bundles application logging and per-process file logging.
type Config struct {
	Slog SlogConfig
	File FileConfig
}

// ParseLevel maps a level name to slog.Level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch s {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSlogger builds the application *slog.Logger from c.Slog.
func (c Config) NewSlogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(c.Slog.Level),
		AddSource: c.Slog.Source,
	}
	var w io.Writer = os.Stderr
	toFile := c.Slog.File != ""
	if toFile {
		w = &lj.Logger{
			Filename:   c.Slog.File,
			MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.File.Compress,
		}
	}
	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Slog.Color && !toFile:
		h = NewColorHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// StdoutFile resolves the stdout log path for a named process, or "" when
// no file destination is configured.
func (f FileConfig) StdoutFile(name string) string {
	if f.StdoutPath != "" {
		return f.StdoutPath
	}
	if f.Dir != "" {
		return filepath.Join(f.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	return ""
}

// StderrFile resolves the stderr log path for a named process.
func (f FileConfig) StderrFile(name string) string {
	if f.StderrPath != "" {
		return f.StderrPath
	}
	if f.Dir != "" {
		return filepath.Join(f.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	return ""
}

// ProcessWriters returns io.WriteClosers for stdout and stderr of a named
// process. Either writer may be nil when no destination is configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	f := c.File
	stdout := f.StdoutFile(name)
	stderr := f.StderrFile(name)
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = f.newRotating(stdout)
	}
	if stderr != "" {
		errW = f.newRotating(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) newRotating(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
