package notify

import "log/slog"

// Notifier is the fire-and-forget notification boundary. The desktop
// presentation layer plugs its own implementation in; the engine never
// consumes a return value.
type Notifier interface {
	Notify(title, body string)
}

// Func adapts a function to the Notifier interface.
type Func func(title, body string)

func (f Func) Notify(title, body string) { f(title, body) }

// Log is the default Notifier: notifications land in the host log.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(title, body string) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "title", title, "body", body)
}

// Discard drops all notifications; used by tests.
type Discard struct{}

func (Discard) Notify(string, string) {}
