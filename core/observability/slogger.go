package observability

// SLogger abstracts the [*slog.Logger] behavior.
//
// The server logs at four levels:
//   - Debug for per-connection events (accept, dispatch, write, resume)
//   - Info for lifecycle events (listen, shutdown, pool sizing)
//   - Warn for per-connection faults (timeouts, write failures, rejected work)
//   - Error for business logic failures and loop errors
//
// The [*slog.Logger] type satisfies this interface.
type SLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DefaultSLogger returns a no-op [SLogger] that discards all output.
func DefaultSLogger() SLogger {
	return discardSLogger{}
}

type discardSLogger struct{}

var _ SLogger = discardSLogger{}

func (discardSLogger) Debug(msg string, args ...any) {}
func (discardSLogger) Info(msg string, args ...any)  {}
func (discardSLogger) Warn(msg string, args ...any)  {}
func (discardSLogger) Error(msg string, args ...any) {}
