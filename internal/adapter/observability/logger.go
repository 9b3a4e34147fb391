package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/szuru-ingest/internal/config"
)

// SetupLogger builds the JSON slog logger both binaries install as the
// default. The service and env fields keep server and worker lines
// separable in a shared log stream.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// Debug level is dev-only; prod stays at info.
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
