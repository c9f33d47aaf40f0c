// Remedyd is an alert-driven remediation daemon.
//
// It classifies operational signals into alerts, opens one tracking
// issue per distinct problem, and drives persona workflows to fix
// them, verifying each agent's claims against its raw output.
//
// Usage:
//
//	# Start the daemon
//	remedyd serve --config /etc/remedyd/config.yaml
//
//	# Classify a signal payload without acting on it
//	cat signal.json | remedyd classify -
//
//	# Verify captured agent output offline
//	remedyd verify tess output.log
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "remedyd",
	Short: "Alert-driven remediation orchestrator",
	Long: `remedyd turns operational signals (pod failures, test failures,
security findings) into tracked, verified remediation workflows run by
persona agents.`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("remedyd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (YAML)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
