// Package logger wraps zap for the agent. Log lines carry the control
// loop, service, and worker they concern, bound through the context so
// call sites deep inside a loop don't have to thread identifiers into
// every message.
package logger

import (
	"context"
	"fmt"
	"os"
	"strings"

	"iccagent/pkg/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger
var sugar *zap.SugaredLogger

func init() {
	// Development logger until Init runs with the real configuration.
	defaultConfig := zap.NewDevelopmentConfig()
	defaultConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	defaultConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")

	defaultLogger, _ := defaultConfig.Build(zap.AddCallerSkip(1))
	Log = defaultLogger
	sugar = defaultLogger.Sugar()
}

// Init rebuilds the logger from config.GlobalConfig.Logger.
func Init() error {
	cfg := config.GlobalConfig.Logger

	atomicLevel := zap.NewAtomicLevel()
	switch cfg.Level {
	case "debug":
		atomicLevel.SetLevel(zapcore.DebugLevel)
	case "warn":
		atomicLevel.SetLevel(zapcore.WarnLevel)
	case "error":
		atomicLevel.SetLevel(zapcore.ErrorLevel)
	default:
		atomicLevel.SetLevel(zapcore.InfoLevel)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	syncer, err := buildSyncer(cfg)
	if err != nil {
		return err
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		syncer,
		atomicLevel,
	)

	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	sugar = Log.Sugar()

	return nil
}

// buildSyncer resolves the configured output: console, a log file, or
// both.
func buildSyncer(cfg config.LoggerConfig) (zapcore.WriteSyncer, error) {
	if cfg.Output != "file" && cfg.Output != "both" {
		return zapcore.AddSync(os.Stdout), nil
	}

	dir := cfg.File.Path[:strings.LastIndex(cfg.File.Path, "/")]
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}
	file, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %v", err)
	}

	if cfg.Output == "both" {
		return zapcore.NewMultiWriteSyncer(
			zapcore.AddSync(os.Stdout),
			zapcore.AddSync(file),
		), nil
	}
	return zapcore.AddSync(file), nil
}

// ctxKey scopes the agent's log bindings inside a context.
type ctxKey int

const (
	componentKey ctxKey = iota
	serviceKey
	workerKey
)

// WithComponent binds a control-loop name (scaling, profiling, ...) to
// the context; every *Ctx line logged under it carries the name.
func WithComponent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, componentKey, name)
}

// WithService binds the service a log line concerns.
func WithService(ctx context.Context, serviceID string) context.Context {
	return context.WithValue(ctx, serviceKey, serviceID)
}

// WithWorker binds the worker ("serviceId:index") a log line concerns.
func WithWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerKey, workerID)
}

// prefix renders the context bindings, e.g.
// "[profiling service=main worker=main:0] ".
func prefix(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	var parts []string
	if v, ok := ctx.Value(componentKey).(string); ok && v != "" {
		parts = append(parts, v)
	}
	if v, ok := ctx.Value(serviceKey).(string); ok && v != "" {
		parts = append(parts, "service="+v)
	}
	if v, ok := ctx.Value(workerKey).(string); ok && v != "" {
		parts = append(parts, "worker="+v)
	}
	if len(parts) == 0 {
		return ""
	}
	return "[" + strings.Join(parts, " ") + "] "
}

// Debug level
func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}

// Info level
func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

// Warn level
func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

// Error level
func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

// Fatal level
func Fatal(msg string, fields ...zap.Field) {
	Log.Fatal(msg, fields...)
}

// Debugf formats Debug log
func Debugf(format string, args ...interface{}) {
	sugar.Debugf(format, args...)
}

// Infof formats Info log
func Infof(format string, args ...interface{}) {
	sugar.Infof(format, args...)
}

// Warnf formats Warn log
func Warnf(format string, args ...interface{}) {
	sugar.Warnf(format, args...)
}

// Errorf formats Error log
func Errorf(format string, args ...interface{}) {
	sugar.Errorf(format, args...)
}

// Fatalf formats Fatal log
func Fatalf(format string, args ...interface{}) {
	sugar.Fatalf(format, args...)
}

func DebugCtx(ctx context.Context, format string, args ...interface{}) {
	sugar.Debugf(prefix(ctx)+format, args...)
}

func InfoCtx(ctx context.Context, format string, args ...interface{}) {
	sugar.Infof(prefix(ctx)+format, args...)
}

func WarnCtx(ctx context.Context, format string, args ...interface{}) {
	sugar.Warnf(prefix(ctx)+format, args...)
}

func ErrorCtx(ctx context.Context, format string, args ...interface{}) {
	sugar.Errorf(prefix(ctx)+format, args...)
}

func FatalCtx(ctx context.Context, format string, args ...interface{}) {
	sugar.Fatalf(prefix(ctx)+format, args...)
}

// Sync flushes any buffered log entries
func Sync() error {
	return Log.Sync()
}
