// Package logging sets up the relay's slog output: a daily log file under LOG_DIR,
// mirrored to stdout, in text or JSON.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LevelTrace sits below debug and is used for per-frame websocket logging.
const LevelTrace = slog.LevelDebug - 4

var levels = map[string]slog.Level{
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// Options mirrors the LOG_* settings.
type Options struct {
	Level     string
	Format    string
	Directory string
	Service   string
	AddSource bool
	// Stdout receives a copy of every record; nil means os.Stdout.
	Stdout io.Writer
}

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values log at info.
func ParseLevel(raw string) slog.Level {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// NewLogger writes records for opts to w.
func NewLogger(w io.Writer, opts Options) *slog.Logger {
	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level), AddSource: opts.AddSource}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	logger := slog.New(h)
	if opts.Service != "" {
		logger = logger.With(slog.String("service", opts.Service))
	}
	return logger
}

// Sink owns the open log file behind Logger.
type Sink struct {
	Logger *slog.Logger
	file   *os.File
}

// Open creates <Directory>/<YYYY-MM-DD>.log and returns a logger writing to it and to
// stdout. The standard library logger, which echo writes through, shares the sink.
func Open(opts Options) (*Sink, error) {
	dir := opts.Directory
	if dir == "" {
		dir = "./logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := filepath.Join(dir, time.Now().UTC().Format(time.DateOnly)+".log")
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	w := io.MultiWriter(stdout, file)
	log.SetOutput(w)
	log.SetFlags(0)
	log.SetPrefix("")
	return &Sink{Logger: NewLogger(w, opts), file: file}, nil
}

// Path is the file the sink appends to.
func (s *Sink) Path() string {
	return s.file.Name()
}

func (s *Sink) Close() error {
	return s.file.Close()
}
