package mbx

// Logger is the logging contract every memberbox component writes to.
// Adapters live under logger/.
type Logger interface {
	Info(msg string)
	Debug(msg string)
	Warn(msg string)
	Error(msg string, err error)
}

// Loggable is implemented by components (repositories, emitters, the status
// consumer) that accept a Logger after construction.
type Loggable interface {
	SetLogger(Logger)
}

// Counter is the metrics contract. Adapters live under metrics/.
type Counter interface {
	Inc(delta int64)
}

// NopLogger discards every entry. It is the default logger.
type NopLogger struct{}

var _ Logger = (*NopLogger)(nil)

func (*NopLogger) Info(string)         {}
func (*NopLogger) Debug(string)        {}
func (*NopLogger) Warn(string)         {}
func (*NopLogger) Error(string, error) {}

// NopCounter is the default counter.
type NopCounter struct{}

var _ Counter = (*NopCounter)(nil)

func (*NopCounter) Inc(int64) {}

// shareLogger hands l to every component that can log.
func shareLogger(l Logger, components ...any) {
	for _, c := range components {
		if lc, ok := c.(Loggable); ok {
			lc.SetLogger(l)
		}
	}
}
