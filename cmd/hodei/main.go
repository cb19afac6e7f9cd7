package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hodei",
	Short: "Hodei - distributed pipeline orchestrator",
	Long: `Hodei runs CI-style pipelines across pools of workers.

The orchestrator accepts jobs, places them on resource pools with pluggable
scheduling strategies, and streams execution events back from workers over a
single bidirectional session per worker.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hodei version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(workerLsCmd)
}
