package logger

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// Log is the process-wide logger. Helpers are no-ops until Init runs so that
// packages and tests can log unconditionally.
var Log *slog.Logger

func Init(level string) {
	InitWriter(level, os.Stdout)
}

func InitWriter(level string, w io.Writer) {
	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Error(msg, args...)
}

// LogRequest logs a short summary of an upgrade request. The query string is
// left out because it carries the access token.
func LogRequest(event string, r *http.Request, args ...any) {
	if Log == nil {
		return
	}
	attrs := append([]any{"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr}, args...)
	Log.Info(event, attrs...)
}
