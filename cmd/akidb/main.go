// Command akidb runs the AkiDB multi-tenant vector database daemon.
//
// Configuration is loaded from ~/.config/akidb/config.yaml (or
// /etc/akidb/config.yaml) with AKIDB_* environment overrides; see
// internal/config. Usage:
//
//	# Start the daemon with defaults
//	akidb serve
//
//	# Point at an explicit config file
//	akidb serve --config /etc/akidb/config.yaml
//
//	# Show version information
//	akidb version
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
