package connector

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/goliatone/go-logger/glog"
)

// Logger is the logging contract shared by every engine component.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured-field support.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

var defaultLogger = sync.OnceValue(func() Logger {
	return NewConsoleLogger(os.Stdout, "info")
})

// DefaultLogger is the stdout console logger used when none is configured.
func DefaultLogger() Logger {
	return defaultLogger()
}

// NormalizeLogger returns DefaultLogger when logger is nil.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return DefaultLogger()
	}
	return logger
}

// GlogLogger adapts a go-logger glog.Logger to Logger. Messages carry fmt
// verbs and are rendered before reaching glog, which treats trailing args
// as key/value attributes.
type GlogLogger struct {
	logger glog.Logger
}

// NewGlogLogger wraps base. A nil base yields DefaultLogger.
func NewGlogLogger(base glog.Logger) Logger {
	if base == nil {
		return DefaultLogger()
	}
	return GlogLogger{logger: base}
}

// NewJSONLogger builds a glog JSON logger at level writing to out.
func NewJSONLogger(out io.Writer, level string) Logger {
	return newGlogLogger(out, level, glog.WithLoggerTypeJSON())
}

// NewConsoleLogger builds a glog key=value logger at level writing to out.
func NewConsoleLogger(out io.Writer, level string) Logger {
	return newGlogLogger(out, level, glog.WithLoggerTypeConsole())
}

// NopLogger discards every message.
func NopLogger() Logger {
	return GlogLogger{logger: glog.Nop()}
}

func newGlogLogger(out io.Writer, level string, kind glog.Option) Logger {
	if out == nil {
		out = os.Stdout
	}
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	return GlogLogger{logger: glog.NewLogger(glog.WithWriter(out), glog.WithLevel(level), kind)}
}

func (l GlogLogger) Trace(msg string, args ...any) { l.base().Trace(render(msg, args)) }
func (l GlogLogger) Debug(msg string, args ...any) { l.base().Debug(render(msg, args)) }
func (l GlogLogger) Info(msg string, args ...any)  { l.base().Info(render(msg, args)) }
func (l GlogLogger) Warn(msg string, args ...any)  { l.base().Warn(render(msg, args)) }
func (l GlogLogger) Error(msg string, args ...any) { l.base().Error(render(msg, args)) }
func (l GlogLogger) Fatal(msg string, args ...any) { l.base().Fatal(render(msg, args)) }

func (l GlogLogger) WithContext(ctx context.Context) Logger {
	return GlogLogger{logger: l.base().WithContext(ctx)}
}

func (l GlogLogger) WithFields(fields map[string]any) Logger {
	if fl, ok := l.base().(glog.FieldsLogger); ok {
		return GlogLogger{logger: fl.WithFields(fields)}
	}
	return l
}

func (l GlogLogger) base() glog.Logger {
	if l.logger != nil {
		return l.logger
	}
	if d, ok := DefaultLogger().(GlogLogger); ok && d.logger != nil {
		return d.logger
	}
	return glog.Nop()
}

func render(msg string, args []any) string {
	msg = strings.TrimSpace(msg)
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// WithLoggerFields attaches fields when the logger supports them.
func WithLoggerFields(logger Logger, fields map[string]any) Logger {
	logger = NormalizeLogger(logger)
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}

// EntityFields is the standard correlation field set for an entity.
func EntityFields(e *StatefulEntity) map[string]any {
	if e == nil {
		return nil
	}
	fields := map[string]any{
		"entity_id":   e.ID,
		"state":       e.State,
		"state_count": e.StateCount,
		"version":     e.Version,
	}
	for k, v := range e.TraceContext {
		fields["trace_"+k] = v
	}
	return fields
}

func MergeFields(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
