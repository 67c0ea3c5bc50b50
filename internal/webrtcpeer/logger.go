package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug; pion is very chatty at trace.
const levelTrace = slog.LevelDebug - 4

// NewLoggerFactory routes pion's internal logging into logger. Each pion
// subsystem gets its scope as the "pion" attribute.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return loggerFactory{log: logger}
}

type loggerFactory struct {
	log *slog.Logger
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{log: f.log.With("pion", scope)}
}

type leveledLogger struct {
	log *slog.Logger
}

var _ logging.LeveledLogger = leveledLogger{}

func (l leveledLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l leveledLogger) emitf(level slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	if !l.log.Enabled(ctx, level) {
		return
	}
	l.log.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l leveledLogger) Trace(msg string)                          { l.emit(levelTrace, msg) }
func (l leveledLogger) Tracef(format string, args ...interface{}) { l.emitf(levelTrace, format, args...) }
func (l leveledLogger) Debug(msg string)                          { l.emit(slog.LevelDebug, msg) }
func (l leveledLogger) Debugf(format string, args ...interface{}) { l.emitf(slog.LevelDebug, format, args...) }
func (l leveledLogger) Info(msg string)                           { l.emit(slog.LevelInfo, msg) }
func (l leveledLogger) Infof(format string, args ...interface{})  { l.emitf(slog.LevelInfo, format, args...) }
func (l leveledLogger) Warn(msg string)                           { l.emit(slog.LevelWarn, msg) }
func (l leveledLogger) Warnf(format string, args ...interface{})  { l.emitf(slog.LevelWarn, format, args...) }
func (l leveledLogger) Error(msg string)                          { l.emit(slog.LevelError, msg) }
func (l leveledLogger) Errorf(format string, args ...interface{}) { l.emitf(slog.LevelError, format, args...) }
