package zap

import (
	"github.com/3rs4lg4d0/memberbox/mbx"
	"go.uber.org/zap"
)

// zap implementation of mbx.Logger interface.
type Logger struct {
	Logger *zap.Logger
}

var _ mbx.Logger = (*Logger)(nil)

// New returns a logger tagging every entry with the emitting component.
func New(l *zap.Logger, component string) *Logger {
	if component != "" {
		l = l.With(zap.String("component", component))
	}
	return &Logger{Logger: l}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Error(msg, zap.Error(err))
}

func (l *Logger) Info(msg string) {
	l.Logger.Info(msg)
}
