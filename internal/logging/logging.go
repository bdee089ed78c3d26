// Package logging builds the agent's slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // text|json

	// File enables a rotating file sink. Output goes to Stderr otherwise.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	Stderr io.Writer
}

// Logger is a logger whose level can be changed after construction.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	sink  io.Closer
}

// New builds a logger from opts.
func New(opts Options) (*Logger, error) {
	level := new(slog.LevelVar)
	if err := SetLevel(level, opts.Level); err != nil {
		return nil, err
	}

	var (
		w    io.Writer = opts.Stderr
		sink io.Closer
	)
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		w, sink = lj, lj
	}
	if w == nil {
		w = io.Discard
	}

	ho := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, ho)
	case "json":
		h = slog.NewJSONHandler(w, ho)
	default:
		return nil, fmt.Errorf("invalid log format %q: must be text or json", opts.Format)
	}
	return &Logger{Logger: slog.New(h), level: level, sink: sink}, nil
}

// SetLevel parses s into lv. An empty s means info.
func SetLevel(lv *slog.LevelVar, s string) error {
	if s == "" {
		lv.Set(slog.LevelInfo)
		return nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", s, err)
	}
	lv.Set(l)
	return nil
}

// SetLevel changes the level of a running logger.
func (l *Logger) SetLevel(s string) error {
	return SetLevel(l.level, s)
}

// Level returns the current level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Close closes the file sink, if any.
func (l *Logger) Close() error {
	if l.sink == nil {
		return nil
	}
	return l.sink.Close()
}
