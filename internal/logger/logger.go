package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	base  atomic.Pointer[zap.Logger]
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	base.Store(zap.NewNop())
}

// Init initializes the global logger. Output goes to stderr and, when
// logFile is set, is appended to that file as well.
func Init(lvl string, logFile string) error {
	SetLevel(lvl)

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	cfg.OutputPaths = []string{"stderr"}
	if logFile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logFile)
	}

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	base.Store(l)
	return nil
}

// SetLevel changes the level of the global logger in place. Unknown level
// names fall back to debug.
func SetLevel(lvl string) {
	switch lvl {
	case "debug":
		level.SetLevel(zapcore.DebugLevel)
	case "info":
		level.SetLevel(zapcore.InfoLevel)
	case "warn":
		level.SetLevel(zapcore.WarnLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.DebugLevel)
	}
}

// L returns the global logger. It is a no-op logger until Init is called.
func L() *zap.Logger {
	return base.Load()
}

// Sync flushes buffered log entries.
func Sync() {
	_ = L().Sync()
}

// Debug logs at debug level
func Debug(msg string, keysAndValues ...any) {
	L().Sugar().Debugw(msg, keysAndValues...)
}

// Info logs at info level
func Info(msg string, keysAndValues ...any) {
	L().Sugar().Infow(msg, keysAndValues...)
}

// Warn logs at warn level
func Warn(msg string, keysAndValues ...any) {
	L().Sugar().Warnw(msg, keysAndValues...)
}

// Error logs at error level
func Error(msg string, keysAndValues ...any) {
	L().Sugar().Errorw(msg, keysAndValues...)
}
