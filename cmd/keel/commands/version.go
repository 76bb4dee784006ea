package commands

import (
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("keel %s\n", Version)
		cmd.Printf("  commit:  %s\n", Commit)
		cmd.Printf("  built:   %s\n", Date)
		cmd.Printf("  runtime: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
