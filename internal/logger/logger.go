package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger and implements investgo.Logger interface.
type Logger struct {
	*slog.Logger
}

func New(level string) *Logger {
	return newWithWriter(os.Stdout, parseLevel(level))
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return newWithWriter(io.Discard, slog.LevelError)
}

func newWithWriter(w io.Writer, lvl slog.Level) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return &Logger{Logger: slog.New(handler)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// investgo.Logger interface methods

func (l *Logger) Infof(format string, args ...any) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.Error(fmt.Sprintf(format, args...))
}

func (l *Logger) Fatalf(format string, args ...any) {
	l.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
