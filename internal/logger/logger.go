// Package logger provides the process-wide structured logger for mudproxy.
package logger

import (
	"log/slog"
	"os"
)

var Log = slog.New(slog.NewTextHandler(os.Stdout, nil))

// Init (re)configures the global logger at the given level. Called once at
// startup from cmd/mudproxy after flags/env are parsed.
func Init(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
}

// Session returns a logger with the session id attached to every line,
// the way the teacher threads wing_id/session_id through its log call sites.
func Session(id string) *slog.Logger {
	return Log.With("session", id)
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }

