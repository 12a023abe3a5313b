package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	*zap.SugaredLogger
}

// NewLogger builds a production zap logger at the given level.
// Unknown levels fall back to info.
func NewLogger(level string) *Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	return &Logger{l.Sugar()}
}

// NewNopLogger discards everything; used in tests.
func NewNopLogger() *Logger {
	return &Logger{zap.NewNop().Sugar()}
}

func (l *Logger) Sync() error { return l.SugaredLogger.Sync() }
