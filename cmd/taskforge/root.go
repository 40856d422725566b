package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "Multi-agent task orchestration engine",
	Long: `Taskforge turns a high-level requirement into a staged task graph
and drives it to completion across a fleet of typed agents.

Core capabilities:
- Composes requirements into dependency-linked task pipelines
- Dispatches eligible tasks to the least-loaded capable agent
- Retries failed tasks with fresh copies and backoff
- Cancels workflows cleanly, releasing agents mid-flight
- Tracks per-agent load, success rates, tokens, and cost`,
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
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(versionCmd)
}
