// Package logging adapts a slog handler to the es.Logger interface the
// rest of the module logs through.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/getpup/pupsourcing/es"
)

// Level maps a config level name to a slog level. Unknown names fall
// back to info.
func Level(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type slogLogger struct {
	l *slog.Logger
}

var _ es.Logger = (*slogLogger)(nil)

// New creates a structured logger writing to stderr. Attrs are attached
// to every record.
func New(level slog.Level, attrs ...any) es.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &slogLogger{l: slog.New(h).With(attrs...)}
}

// Wrap adapts an existing slog.Logger.
func Wrap(l *slog.Logger) es.Logger {
	return &slogLogger{l: l}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, args ...interface{}) {
	s.l.DebugContext(ctx, msg, args...)
}

func (s *slogLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	s.l.InfoContext(ctx, msg, args...)
}

func (s *slogLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	s.l.ErrorContext(ctx, msg, args...)
}
