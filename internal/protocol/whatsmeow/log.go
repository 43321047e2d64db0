package whatsmeow

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/logger"
)

// slogLogger adapts slog to the logger interface of the protocol library.
type slogLogger struct {
	log *slog.Logger
	min slog.Level
}

func newSlogLogger(log *slog.Logger, level string) waLog.Logger {
	return slogLogger{log: log, min: logger.ParseLevel(level)}
}

func (l slogLogger) emit(level slog.Level, msg string, args []any) {
	if level < l.min {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(msg, args...))
}

func (l slogLogger) Errorf(msg string, args ...any) { l.emit(slog.LevelError, msg, args) }
func (l slogLogger) Warnf(msg string, args ...any)  { l.emit(slog.LevelWarn, msg, args) }
func (l slogLogger) Infof(msg string, args ...any)  { l.emit(slog.LevelInfo, msg, args) }
func (l slogLogger) Debugf(msg string, args ...any) { l.emit(slog.LevelDebug, msg, args) }

func (l slogLogger) Sub(module string) waLog.Logger {
	return slogLogger{log: l.log.With(slog.String("module", module)), min: l.min}
}
