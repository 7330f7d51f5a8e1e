package framecore

import (
	"log/slog"

	"github.com/gogpu/framecore/internal/logging"
)

// SetLogger configures the logger for framecore and all its sub-packages.
// By default framecore produces no log output.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by framecore:
//   - [slog.LevelDebug]: per-frame internals (flush counts, drop-list purges)
//   - [slog.LevelInfo]: lifecycle events (renderer created, device opened)
//   - [slog.LevelWarn]: recoverable failures (bind group allocation failed,
//     draw skipped because a binding set is incomplete)
//
// Example:
//
//	framecore.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the current logger used by framecore.
func Logger() *slog.Logger {
	return logging.Logger()
}

// loggerSetter is implemented by devices that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger passes the logger to v if it implements loggerSetter.
func propagateLogger(v any, l *slog.Logger) {
	if ls, ok := v.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}
