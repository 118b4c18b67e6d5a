// Package log provides structured logging with session context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for bridge internals (structured fields)
//   - SugaredLogger: Printf-style logging for CLI surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides structured logging with session context.
// Every entry carries the session_id and worker fields it was built with.
type Logger struct {
	zap *zap.Logger
}

// SugaredLogger provides printf-style logging for CLI surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// Context identifies the session a logger reports for.
type Context struct {
	// SessionID is the bridge session identifier.
	SessionID string
	// Worker is the worker script path (or command when no script is set).
	Worker string
	// Workspace is the workspace root, if any.
	Workspace string
}

// NewLogger creates a logger with session context writing JSON to os.Stderr.
func NewLogger(ctx Context) *Logger {
	return NewLoggerWithWriter(ctx, os.Stderr, zapcore.DebugLevel)
}

// NewLoggerWithWriter creates a logger writing to w at or above level.
func NewLoggerWithWriter(ctx Context, w io.Writer, level zapcore.Level) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		level,
	)

	var contextFields []zap.Field
	if ctx.SessionID != "" {
		contextFields = append(contextFields, zap.String("session_id", ctx.SessionID))
	}
	if ctx.Worker != "" {
		contextFields = append(contextFields, zap.String("worker", ctx.Worker))
	}
	if ctx.Workspace != "" {
		contextFields = append(contextFields, zap.String("workspace", ctx.Workspace))
	}

	return &Logger{zap: zap.New(core).With(contextFields...)}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// ParseLevel parses a level name ("debug", "info", "warn", "error").
func ParseLevel(s string) (zapcore.Level, error) {
	return zapcore.ParseLevel(s)
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

// With returns a logger carrying an extra context field.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{zap: l.zap.With(zap.Any(key, value))}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}
