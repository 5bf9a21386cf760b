package logger

import "context"

// LoggerContext accumulates key/value pairs over the life of a single
// operation so that every subsequent log line carries them.
type LoggerContext struct {
	*Logger
	kv []any
}

// NewLoggerContext wraps log so fields can be added incrementally.
func NewLoggerContext(log *Logger) *LoggerContext {
	return &LoggerContext{Logger: log}
}

// Add appends key/value pairs to the context.
func (lc *LoggerContext) Add(kv ...any) { lc.kv = append(lc.kv, kv...) }

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.Logger.Debugc(ctx, 4, msg, append(args, lc.kv...)...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.Logger.write(ctx, LevelInfo, 3, msg, append(args, lc.kv...)...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.Logger.write(ctx, LevelWarn, 3, msg, append(args, lc.kv...)...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.Logger.write(ctx, LevelError, 3, msg, append(args, lc.kv...)...)
}
