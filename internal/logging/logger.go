package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *zap.Logger
	helperLogger *zap.Logger // globalLogger with one extra caller skip for the package helpers
	globalMu     sync.RWMutex

	// level is shared by every logger built with New so a config reload can
	// change verbosity without rebuilding cores.
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	// Default to a production logger until SetGlobal is called
	l, _ := zap.NewProduction()
	setGlobal(l)
}

// Rotation holds lumberjack settings used when Output is a file path.
type Rotation struct {
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// Options configures New.
type Options struct {
	Level    string // debug, info, warn, error (default info)
	Output   string // stdout (default), stderr, or a file path
	Rotation Rotation
}

// ParseLevel maps a level string to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates a JSON zap logger writing to the configured output.
func New(opts Options) (*zap.Logger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	ws, err := writeSyncer(opts)
	if err != nil {
		return nil, err
	}

	level.SetLevel(ParseLevel(opts.Level))
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, level)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

func writeSyncer(opts Options) (zapcore.WriteSyncer, error) {
	switch opts.Output {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	if opts.Rotation.MaxSize <= 0 {
		return nil, fmt.Errorf("logging: rotation max_size must be positive for file output %q", opts.Output)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.Output,
		MaxSize:    opts.Rotation.MaxSize,
		MaxBackups: opts.Rotation.MaxBackups,
		MaxAge:     opts.Rotation.MaxAge,
		Compress:   opts.Rotation.Compress,
	}), nil
}

// SetLevel changes the level of every logger created by New.
func SetLevel(s string) {
	level.SetLevel(ParseLevel(s))
}

// Level returns the current level of loggers created by New.
func Level() zapcore.Level {
	return level.Level()
}

// Global returns the global logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal sets the global logger.
func SetGlobal(l *zap.Logger) {
	setGlobal(l)
}

func setGlobal(l *zap.Logger) {
	globalMu.Lock()
	globalLogger = l
	helperLogger = l.WithOptions(zap.AddCallerSkip(1))
	globalMu.Unlock()
}

func helper() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return helperLogger
}

// Named returns a child of the global logger for a component, or l itself when non-nil.
func Named(l *zap.Logger, component string) *zap.Logger {
	if l != nil {
		return l
	}
	return Global().Named(component)
}

// Info logs at info level using the global logger.
func Info(msg string, fields ...zap.Field) {
	helper().Info(msg, fields...)
}

// Warn logs at warn level using the global logger.
func Warn(msg string, fields ...zap.Field) {
	helper().Warn(msg, fields...)
}

// Error logs at error level using the global logger.
func Error(msg string, fields ...zap.Field) {
	helper().Error(msg, fields...)
}

// Debug logs at debug level using the global logger.
func Debug(msg string, fields ...zap.Field) {
	helper().Debug(msg, fields...)
}

// With creates a child logger with additional fields.
func With(fields ...zap.Field) *zap.Logger {
	return Global().With(fields...)
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = Global().Sync()
}
