// Package commands implements the keelctl admin CLI: tenant management
// against a running gateway's admin API.
package commands

import (
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	serverURL   string
	adminAPIKey string
)

var rootCmd = &cobra.Command{
	Use:   "keelctl",
	Short: "keelctl - admin CLI for the keel gateway",
	Long: `keelctl manages a running keel gateway through its admin API.

The admin API is only available in multi-tenant deployments and requires the
admin API key.

Examples:
  # List tenants
  keelctl tenant list --server http://localhost:5000 --admin-key $KEY

  # Create a tenant
  keelctl tenant create --id acme --database-url postgres://...`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:5000", "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&adminAPIKey, "admin-key", "", "admin API key (or KEEL_ADMIN_API_KEY)")

	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("keelctl %s\n", Version)
		cmd.Printf("  commit:  %s\n", Commit)
		cmd.Printf("  built:   %s\n", Date)
		cmd.Printf("  runtime: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
