// Package applog is libsync's structured logging sink, threaded explicitly
// through constructors rather than held as a package-level global — per
// the §9 design note on global singletons, the "global" logger is merely a
// shared handle passed around, never reached for directly from deep call
// sites. Grounded verbatim on the teacher's internal/logger/logger.go
// (slog + multi-writer + shortened time format).
package applog

import (
	"io"
	"log/slog"
	"os"
)

// New builds a *slog.Logger writing to stdout and, if logFile is non-empty,
// also appending to logFile. level is one of debug/info/warn/error;
// anything else defaults to debug.
func New(level, logFile string) (*slog.Logger, error) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelDebug
	}

	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	return slog.New(handler), nil
}

// Discard returns a logger that drops everything, used by components in
// tests that don't want log noise but still need a non-nil *slog.Logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
