package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "waggle",
	Short: "Swarm task scheduler for Claude Code workers",
	Long: `Waggle decomposes one high-level goal into a dependency graph of
subtasks, dispatches them wave by wave to parallel Claude Code workers,
and drives each task through retries, quality gating, and failure
recovery until the run completes or the budget runs out.

Core capabilities:
- Decomposes goals into parallelizable subtasks with dependency waves
- Caps concurrent workers and staggers dispatch within a wave
- Judges each attempt against its target files before accepting it
- Recovers failing tasks via micro-decomposition or degraded acceptance
- Skips downstream work when dependencies fail, with one rescue pass
- Persists every event to an append-only ledger and SQLite history`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
