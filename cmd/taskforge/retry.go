package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Retry a failed task",
	Long: `Create a fresh copy of a permanently failed task and rewire its
dependents to it. The copy dispatches the next time the workflow runs.
Tasks that already used their full retry budget are refused.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

func init() {
	retryCmd.Flags().StringVar(&flagConfig, "config", "", "Path to config file")
}

func runRetry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	flagDryRun = true
	orch, pool, err := buildOrchestrator(cfg, s)
	if err != nil {
		return err
	}
	defer pool.Close()

	retry, err := orch.RetryTask(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("task %s retried as %s (attempt %d/%d)\n",
		args[0], color.CyanString(retry.ID), retry.RetryCount, retry.MaxRetries)
	return nil
}
