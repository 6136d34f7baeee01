// Package observability provides logging, metrics, and tracing for the
// loader engine.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/signal-loader/internal/config"
)

// SetupLogger configures the process-wide JSON logger. Every record carries
// the service, environment and host so output from a replica fleet can be
// teased apart in aggregate.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	host, _ := os.Hostname()
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
		slog.String("host", host),
	)
	return logger
}
