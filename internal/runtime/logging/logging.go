// Package logging carries the structured logger every bus component writes
// through. Field names are shared so a tenant or an event can be followed
// across the publisher, the consumers and the HTTP side.
package logging

import (
	"context"
	"log/slog"
	"sort"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields are structured key/value pairs attached to one entry.
type LogFields map[string]any

const (
	FieldEventType     = "event_type"
	FieldEventID       = "event_id"
	FieldTenantID      = "tenant_id"
	FieldQueue         = "queue"
	FieldCorrelationID = "correlation_id"
	FieldAttempt       = "attempt"
	FieldComponent     = "component"
	FieldState         = "state"
)

// LevelTrace sits below debug.
const LevelTrace = slog.LevelDebug - 4

// ServiceLogger is the logging contract of the bus.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// NewSlogServiceLogger wraps log. It panics on nil.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("logging: slog logger cannot be nil")
	}
	return &slogLogger{log: log}
}

// NewNopServiceLogger returns a logger that drops everything.
func NewNopServiceLogger() ServiceLogger {
	return &slogLogger{log: slog.New(slog.DiscardHandler)}
}

type slogLogger struct {
	log *slog.Logger
}

func (l *slogLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return l
	}
	return &slogLogger{log: l.log.With(fields.args()...)}
}

func (l *slogLogger) Trace(msg string, fields LogFields) { l.emit(LevelTrace, msg, fields.args()) }
func (l *slogLogger) Debug(msg string, fields LogFields) { l.emit(slog.LevelDebug, msg, fields.args()) }
func (l *slogLogger) Info(msg string, fields LogFields)  { l.emit(slog.LevelInfo, msg, fields.args()) }

func (l *slogLogger) Error(msg string, err error, fields LogFields) {
	args := fields.args()
	if err != nil {
		args = append(args, slog.String("error", err.Error()))
	}
	l.emit(slog.LevelError, msg, args)
}

func (l *slogLogger) emit(level slog.Level, msg string, args []any) {
	l.log.Log(context.Background(), level, msg, args...)
}

// args flattens the fields in key order so entries render deterministically.
func (f LogFields) args() []any {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.Any(k, f[k]))
	}
	return out
}

// NewWatermillAdapter lets the Watermill router log through log. The
// router's own lifecycle messages are demoted to debug; the service logs
// start and stop itself.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("logging: ServiceLogger cannot be nil")
	}
	return &routerLogger{base: log.With(LogFields{FieldComponent: "router"})}
}

type routerLogger struct {
	base ServiceLogger
}

func (r *routerLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.base.Error(msg, err, LogFields(fields))
}

func (r *routerLogger) Info(msg string, fields watermill.LogFields) {
	r.base.Debug(msg, LogFields(fields))
}

func (r *routerLogger) Debug(msg string, fields watermill.LogFields) {
	r.base.Debug(msg, LogFields(fields))
}

func (r *routerLogger) Trace(msg string, fields watermill.LogFields) {
	r.base.Trace(msg, LogFields(fields))
}

func (r *routerLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &routerLogger{base: r.base.With(LogFields(fields))}
}
