package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keelstore/keel/internal/logger"
	"github.com/keelstore/keel/pkg/config"
	"github.com/keelstore/keel/pkg/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the keel gateway",
	Long: `Start the gateway with the specified configuration.

The process serves until SIGINT or SIGTERM, then drains in-flight requests
and background workers before exiting.

Examples:
  # Start with the default config location
  keel start

  # Start with a custom config file
  keel start --config /etc/keel/config.yaml

  # Override configuration with environment variables
  KEEL_LOGGING_LEVEL=DEBUG keel start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	log := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting keel",
		"version", Version,
		"backend", cfg.Storage.Backend,
		"multitenant", cfg.Database.IsMultitenant,
	)

	app, err := server.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// initLogger applies the logging configuration process-wide.
func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}
