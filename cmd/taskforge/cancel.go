package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel a workflow",
	Long: `Cancel every task in the workflow that has not yet finished.
Completed and failed tasks keep their state. Cancelling an
already-finished workflow does nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&flagConfig, "config", "", "Path to config file")
}

func runCancel(cmd *cobra.Command, args []string) error {
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

	if err := orch.CancelWorkflow(args[0]); err != nil {
		return err
	}
	fmt.Printf("workflow %s cancelled\n", color.YellowString(args[0]))
	return nil
}
