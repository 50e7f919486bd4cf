package util

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	currentLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	baseLogger   atomic.Pointer[zap.Logger]
)

func init() {
	SetLogger(newLogger(currentLevel))
}

func newLogger(level zap.AtomicLevel) *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// SetLevel changes the level of the shared logger.
func SetLevel(level LogLevel) {
	currentLevel.SetLevel(level.zapLevel())
}

// SetLogger replaces the shared logger, e.g. with zap.NewNop() in tests.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	baseLogger.Store(l)
}

// Logger returns the shared structured logger.
func Logger() *zap.Logger {
	return baseLogger.Load()
}

func Debug(format string, v ...interface{}) {
	Logger().Debug(fmt.Sprintf(format, v...))
}

func Info(format string, v ...interface{}) {
	Logger().Info(fmt.Sprintf(format, v...))
}

func Warn(format string, v ...interface{}) {
	Logger().Warn(fmt.Sprintf(format, v...))
}

func Error(format string, v ...interface{}) {
	Logger().Error(fmt.Sprintf(format, v...))
}

func Fatal(format string, v ...interface{}) {
	Logger().Error(fmt.Sprintf(format, v...))
	_ = Logger().Sync()
	os.Exit(1)
}
