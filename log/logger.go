// Package log provides structured logging with job context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for the controller and stream paths (structured fields)
//   - SugaredLogger: Printf-style logging for CLI and mock-server surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Meta identifies the job a logger reports on.
// Empty fields are omitted from log entries.
type Meta struct {
	Feature   string
	AttemptID string
	JobID     string
}

// Logger provides structured logging with job context.
// Every entry carries the feature, and the attempt and job ids once known.
type Logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
}

// SugaredLogger provides printf-style logging for CLI and debug surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a debug-level logger with job context writing to os.Stderr.
func NewLogger(meta Meta) *Logger {
	return newLogger(meta, os.Stderr, zap.NewAtomicLevelAt(zapcore.DebugLevel))
}

// NewLoggerWithLevel creates a logger writing to w at the named level
// ("debug", "info", "warn", "error").
func NewLoggerWithLevel(meta Meta, w io.Writer, level string) (*Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return newLogger(meta, w, lvl), nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
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

func newLogger(meta Meta, w io.Writer, level zap.AtomicLevel) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		level,
	)
	return &Logger{zap: zap.New(core).With(metaFields(meta)...), level: level}
}

func metaFields(meta Meta) []zap.Field {
	var fields []zap.Field
	if meta.Feature != "" {
		fields = append(fields, zap.String("feature", meta.Feature))
	}
	if meta.AttemptID != "" {
		fields = append(fields, zap.String("attempt_id", meta.AttemptID))
	}
	if meta.JobID != "" {
		fields = append(fields, zap.String("job_id", meta.JobID))
	}
	return fields
}

// WithOutput returns a new logger with a different output writer.
// Context fields and level are preserved.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		l.level,
	)
	return &Logger{
		zap:   l.zap.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core { return core })),
		level: l.level,
	}
}

// WithAttempt returns a logger that also carries attempt_id.
func (l *Logger) WithAttempt(attemptID string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("attempt_id", attemptID)), level: l.level}
}

// WithJob returns a logger that also carries job_id.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("job_id", jobID)), level: l.level}
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
