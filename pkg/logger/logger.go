// Package logger wraps zap with the context-scoped field extraction the
// rest of the daemon relies on: every log line touching a job carries its
// job id and, where known, its submission id, without every call site
// having to thread them through by hand.
package logger

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	ctxKeyJobID    ctxKey = "job_id"
	ctxKeySubmitID ctxKey = "submission_id"
)

var global *Logger

// Logger wraps a zap logger with context support.
type Logger struct {
	zap *zap.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	Format     string `yaml:"format"`     // json, console
	OutputPath string `yaml:"outputPath"` // file path or "stdout"
	ErrorPath  string `yaml:"errorPath"`  // error log file path or "stderr"
}

// Init initializes the global logger.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	global = l
	return nil
}

// New creates a new logger instance.
func New(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    "func",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     rfc3339TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	outputPath := cfg.OutputPath
	if outputPath == "" {
		outputPath = "stdout"
	}

	var writeSyncer zapcore.WriteSyncer
	if outputPath == "stdout" {
		writeSyncer = zapcore.AddSync(os.Stdout)
	} else {
		file, err := os.OpenFile(outputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{zap: zapLogger}, nil
}

func rfc3339TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format(time.RFC3339))
}

// WithJobID returns a context carrying the given job id for later log calls.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, ctxKeyJobID, jobID)
}

// WithSubmissionID returns a context carrying the given submission id.
func WithSubmissionID(ctx context.Context, submissionID string) context.Context {
	return context.WithValue(ctx, ctxKeySubmitID, submissionID)
}

func (l *Logger) withContext(ctx context.Context) *zap.Logger {
	var fields []zap.Field
	if jobID, ok := ctx.Value(ctxKeyJobID).(string); ok && jobID != "" {
		fields = append(fields, zap.String("job_id", jobID))
	}
	if subID, ok := ctx.Value(ctxKeySubmitID).(string); ok && subID != "" {
		fields = append(fields, zap.String("submission_id", subID))
	}
	if len(fields) == 0 {
		return l.zap
	}
	return l.zap.With(fields...)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.zap.Sync() }

func Debug(ctx context.Context, msg string, fields ...zap.Field) { call(ctx, msg, fields, (*zap.Logger).Debug) }
func Info(ctx context.Context, msg string, fields ...zap.Field)  { call(ctx, msg, fields, (*zap.Logger).Info) }
func Warn(ctx context.Context, msg string, fields ...zap.Field)  { call(ctx, msg, fields, (*zap.Logger).Warn) }
func Error(ctx context.Context, msg string, fields ...zap.Field) { call(ctx, msg, fields, (*zap.Logger).Error) }
func Fatal(ctx context.Context, msg string, fields ...zap.Field) { call(ctx, msg, fields, (*zap.Logger).Fatal) }

func call(ctx context.Context, msg string, fields []zap.Field, fn func(*zap.Logger, string, ...zap.Field)) {
	if global == nil {
		return
	}
	fn(global.withContext(ctx), msg, fields...)
}

// Sync flushes the global logger.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.Sync()
}

// Get returns the global logger instance, or nil if Init was never called.
func Get() *Logger { return global }
