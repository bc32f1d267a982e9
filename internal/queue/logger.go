package queue

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
)

// slogLogger adapts slog to asynq.Logger.
type slogLogger struct {
	log *slog.Logger
}

var _ asynq.Logger = slogLogger{}

func newSlogLogger(l *slog.Logger) slogLogger {
	if l == nil {
		l = slog.Default()
	}
	return slogLogger{log: l.With("component", "asynq")}
}

func (l slogLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }
func (l slogLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...)) }
func (l slogLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...)) }
func (l slogLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }

// Fatal logs and exits, as asynq expects.
func (l slogLogger) Fatal(args ...any) {
	l.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}

// logLevel maps a slog level to the asynq level.
func logLevel(l slog.Level) asynq.LogLevel {
	switch {
	case l <= slog.LevelDebug:
		return asynq.DebugLevel
	case l <= slog.LevelInfo:
		return asynq.InfoLevel
	case l <= slog.LevelWarn:
		return asynq.WarnLevel
	default:
		return asynq.ErrorLevel
	}
}
