package netclock

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.SugaredLogger]

func init() {
	logger.Store(newLogger().Sugar())
}

// newLogger is silent unless INFO=1 or DEBUG=1 is set in the environment.
func newLogger() *zap.Logger {
	var level zapcore.Level
	switch {
	case isDebug():
		level = zapcore.DebugLevel
	case isInfo():
		level = zapcore.InfoLevel
	default:
		return zap.NewNop()
	}

	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.DisableStacktrace = true
	l, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetLogger replaces the logger used by every engine in the process.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l.Sugar())
}

func info(msg string, keysAndValues ...any) {
	logger.Load().Infow(msg, keysAndValues...)
}

func debug(msg string, keysAndValues ...any) {
	logger.Load().Debugw(msg, keysAndValues...)
}

func warn(msg string, keysAndValues ...any) {
	logger.Load().Warnw(msg, keysAndValues...)
}

func isInfo() bool {
	return os.Getenv("INFO") == "1"
}

func isDebug() bool {
	return os.Getenv("DEBUG") == "1"
}
