package config

import (
	"go.uber.org/zap"

	"github.com/lokutor-ai/convocore/pkg/orchestrator"
)

// ZapLogger adapts go.uber.org/zap's SugaredLogger to orchestrator.Logger,
// the production implementation swapped in wherever NoOpLogger serves as
// the default.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger builds a ZapLogger at the given level ("debug", "info",
// "warn", "error"; anything else defaults to info).
func NewZapLogger(level string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{s: l.Sugar()}, nil
}

func (z *ZapLogger) Debug(msg string, args ...interface{}) { z.s.Debugw(msg, args...) }
func (z *ZapLogger) Info(msg string, args ...interface{})  { z.s.Infow(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...interface{})  { z.s.Warnw(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...interface{}) { z.s.Errorw(msg, args...) }

// Sync flushes any buffered log entries; call on shutdown.
func (z *ZapLogger) Sync() error { return z.s.Sync() }

var _ orchestrator.Logger = (*ZapLogger)(nil)
