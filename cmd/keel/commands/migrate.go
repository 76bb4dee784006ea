package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keelstore/keel/internal/logger"
	"github.com/keelstore/keel/pkg/config"
	"github.com/keelstore/keel/pkg/meta/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Apply pending schema migrations to the tenant database.

In single-tenant mode this migrates the configured DATABASE_URL. In
multi-tenant mode migrations run progressively in the background while the
server is up; this command is for single-tenant deployments and CI.

Examples:
  # Run migrations with default config
  keel migrate

  # Run migrations with custom config
  keel migrate --config /etc/keel/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	log := logger.Default()

	if cfg.Database.IsMultitenant {
		return fmt.Errorf("multitenant deployments migrate progressively; run the server instead")
	}

	log.Info("running migrations", "database", cfg.Database.TenantID)
	if err := postgres.Migrate(cmd.Context(), cfg.Database.URL, log); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := postgres.MigrationVersion(cmd.Context(), cfg.Database.URL)
	if err != nil {
		return err
	}
	log.Info("migrations complete", "version", version, "dirty", dirty)
	return nil
}
