package commands

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:     "arkcurser",
	Short:   "Trading post worker-swap automation",
	Long:    "arkcurser drives worker swaps across base trading posts over ADB,\nlearning UI timings as it runs and resolving deadline conflicts between posts.",
	Version: Version,
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}
