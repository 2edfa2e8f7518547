// Package zaplog adapts a zap logger to core.Logger.
package zaplog

import (
	"go.uber.org/zap"

	"github.com/Swind/go-layout-harness/core"
)

// Logger forwards core.Logger calls to a *zap.Logger.
type Logger struct {
	z *zap.Logger
}

var _ core.Logger = (*Logger)(nil)

// New wraps z. A nil z yields a no-op logger.
func New(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// Named returns a logger whose entries carry name, joined to the current
// name with a dot.
func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.z.Named(name)}
}

// Zap returns the underlying logger.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

func (l *Logger) Debug(msg string, fields ...core.Field) { l.z.Debug(msg, convert(fields)...) }
func (l *Logger) Info(msg string, fields ...core.Field)  { l.z.Info(msg, convert(fields)...) }
func (l *Logger) Warn(msg string, fields ...core.Field)  { l.z.Warn(msg, convert(fields)...) }
func (l *Logger) Error(msg string, fields ...core.Field) { l.z.Error(msg, convert(fields)...) }

func convert(fields []core.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		if err, ok := f.Value.(error); ok {
			out[i] = zap.NamedError(f.Key, err)
			continue
		}
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}
