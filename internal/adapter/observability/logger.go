package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/soundsidecar/internal/config"
)

// SetupLogger builds the process-wide slog logger: a text handler at debug
// level in dev (readable while iterating), a JSON handler at info level
// everywhere else (parseable by the log pipeline). Every line carries the
// service and env fields so one aggregator can tell the four worker
// binaries apart.
func SetupLogger(cfg config.Config) *slog.Logger {
	var h slog.Handler
	if cfg.IsDev() {
		h = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
