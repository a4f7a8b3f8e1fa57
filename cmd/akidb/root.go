package main

import (
	"github.com/spf13/cobra"
)

// version information, set via ldflags during build.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the persistent --config flag shared by every subcommand
// that loads configuration (spec §6: config file plus AKIDB_* overrides).
var configPath string

var rootCmd = &cobra.Command{
	Use:     "akidb",
	Short:   "AkiDB multi-tenant vector database",
	Long:    `akidb runs and operates the AkiDB multi-tenant vector database daemon.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: ~/.config/akidb/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
