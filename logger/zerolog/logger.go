package zerolog

import (
	"github.com/3rs4lg4d0/memberbox/mbx"
	"github.com/rs/zerolog"
)

// zerolog implementation of mbx.Logger interface.
type Logger struct {
	Logger zerolog.Logger
}

var _ mbx.Logger = (*Logger)(nil)

// New returns a logger tagging every entry with the emitting component.
func New(l zerolog.Logger, component string) *Logger {
	if component != "" {
		l = l.With().Str("component", component).Logger()
	}
	return &Logger{Logger: l}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
