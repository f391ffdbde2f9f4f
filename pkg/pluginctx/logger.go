package pluginctx

import (
	"github.com/rs/zerolog"
)

// reservedFields are stamped by the factory and cannot be overridden by
// handler-supplied fields.
var reservedFields = map[string]struct{}{
	"req_id":        {},
	"trace_id":      {},
	"span_id":       {},
	"invocation_id": {},
	"plugin_id":     {},
	"handler_id":    {},
	"level":         {},
	"time":          {},
	"message":       {},
}

// Logger is the handler-facing structured logger. It wraps the invocation
// logger and drops any user field that collides with a correlation field.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger wraps a pre-stamped zerolog logger.
func NewLogger(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields map[string]any) {
	for k, v := range fields {
		if _, reserved := reservedFields[k]; reserved {
			continue
		}
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields map[string]any) {
	l.emit(l.zl.Debug(), msg, fields)
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields map[string]any) {
	l.emit(l.zl.Info(), msg, fields)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields map[string]any) {
	l.emit(l.zl.Warn(), msg, fields)
}

// Error logs at error level.
func (l *Logger) Error(msg string, fields map[string]any) {
	l.emit(l.zl.Error(), msg, fields)
}
