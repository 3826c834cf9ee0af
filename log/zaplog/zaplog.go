// Package zaplog adapts go.uber.org/zap to the log.Logger interface.
package zaplog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oarkflow/s3ftp/log"
)

type logger struct {
	s *zap.SugaredLogger
}

// New builds a JSON logger writing to stdout at the given level. Unknown
// levels fall back to info.
func New(level string) log.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stdout"}

	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return &logger{s: z.Sugar()}
}

// Default returns an info-level logger.
func Default() log.Logger {
	return New("info")
}

func (l *logger) Debug(msg string, keysAndValues ...any) { l.s.Debugw(msg, keysAndValues...) }
func (l *logger) Info(msg string, keysAndValues ...any)  { l.s.Infow(msg, keysAndValues...) }
func (l *logger) Warn(msg string, keysAndValues ...any)  { l.s.Warnw(msg, keysAndValues...) }
func (l *logger) Error(msg string, keysAndValues ...any) { l.s.Errorw(msg, keysAndValues...) }

func (l *logger) With(keysAndValues ...any) log.Logger {
	return &logger{s: l.s.With(keysAndValues...)}
}
