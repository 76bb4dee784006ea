package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keelstore/keel/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample keel configuration file.

By default the configuration file is created at
$XDG_CONFIG_HOME/keel/config.yaml. Use --config to specify a custom path.

Examples:
  # Initialize with default location
  keel init

  # Initialize with custom path
  keel init --config /etc/keel/config.yaml

  # Force overwrite existing config
  keel init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	cmd.Printf("Configuration file created at %s\n", configPath)
	cmd.Println("Edit it to set your database URL and storage backend, then run: keel start")
	return nil
}
