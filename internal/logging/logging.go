// Package logging builds the structured loggers used across the runtime.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// LevelFatal is used for crash reports and failed invariant checks.
const LevelFatal = slog.Level(12)

// Options controls logger construction.
type Options struct {
	Debug      bool
	JSON       bool
	Service    string
	Version    string
	InstanceID string
	Output     io.Writer
}

// Setup returns a logger writing either JSON or human readable text.
func Setup(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceLevel,
		})
	} else {
		handler = charmlog.NewWithOptions(out, charmlog.Options{
			ReportTimestamp: true,
			Level:           charmlog.Level(level),
			Prefix:          opts.Service,
		})
	}

	logger := slog.New(handler)
	if opts.Service != "" && opts.JSON {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	if opts.InstanceID != "" {
		logger = logger.With("instance", opts.InstanceID)
	}
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelFatal + 1}))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// Fatal logs msg at LevelFatal. It does not exit.
func Fatal(l *slog.Logger, msg string, args ...any) {
	l.Log(context.Background(), LevelFatal, msg, args...)
}

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelFatal {
			a.Value = slog.StringValue("FATAL")
		}
	}
	return a
}
