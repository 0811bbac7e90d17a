package utils

import (
	"context"
	"io"
	"log/slog"

	"aaronromeo.com/identityswitch/pkg/base"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// LogLevel maps the logging and debug switches onto a slog level.
func LogLevel(logging, debug bool) slog.Level {
	switch {
	case debug:
		return slog.LevelDebug
	case logging:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// NewLogger returns a JSON logger writing to w, or one bridged into the
// OpenTelemetry log pipeline when telemetry is set.
func NewLogger(w io.Writer, level slog.Level, telemetry bool) *slog.Logger {
	if telemetry {
		return slog.New(leveled{
			Handler: otelslog.NewHandler(base.InstrumentationName),
			level:   level,
		})
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

type leveled struct {
	slog.Handler
	level slog.Level
}

func (l leveled) Enabled(ctx context.Context, lvl slog.Level) bool {
	return lvl >= l.level && l.Handler.Enabled(ctx, lvl)
}

func (l leveled) WithAttrs(attrs []slog.Attr) slog.Handler {
	return leveled{Handler: l.Handler.WithAttrs(attrs), level: l.level}
}

func (l leveled) WithGroup(name string) slog.Handler {
	return leveled{Handler: l.Handler.WithGroup(name), level: l.level}
}
