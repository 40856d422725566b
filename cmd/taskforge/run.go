package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

var runProject string

var runCmd = &cobra.Command{
	Use:   "run <requirement>",
	Short: "Run a workflow for a requirement",
	Long: `Compose a staged task pipeline for the requirement and drive it to
completion.

The requirement is expanded through the pipeline template into a
dependency-linked task graph. Tasks dispatch to the least-loaded agent
of their type as their dependencies complete. Press Ctrl-C to cancel
the workflow; completed work is kept.

Examples:
  taskforge run "build a REST API for todo items"
  taskforge run --project billing "add invoice export"
  taskforge run --dry-run "anything"   # canned responses, no API calls`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runProject, "project", "default", "Project the workflow belongs to")
	runCmd.Flags().StringVar(&flagConfig, "config", "", "Path to config file")
	runCmd.Flags().BoolVar(&flagMemory, "memory", false, "Use the in-memory store (state is discarded on exit)")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Execute with canned responses instead of the Anthropic API")
	runCmd.Flags().StringVar(&flagPipeline, "pipeline", "", "Path to a custom pipeline YAML")
}

func runRun(cmd *cobra.Command, args []string) error {
	requirement := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := seedFleet(s, cfg); err != nil {
		return err
	}

	orch, pool, err := buildOrchestrator(cfg, s)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := orch.Start(context.Background()); err != nil {
		return err
	}
	defer orch.Stop()

	root, err := orch.StartWorkflow(runProject, requirement)
	if err != nil {
		return err
	}
	fmt.Printf("workflow %s started (%d workers)\n", color.CyanString(root.ID), cfg.Runtime.Workers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println("\ncancelling workflow...")
			if err := orch.CancelWorkflow(root.ID); err != nil {
				return err
			}
		case <-ticker.C:
		}

		ws, err := orch.GetWorkflowStatus(root.ID)
		if err != nil {
			return err
		}
		printProgress(ws.Progress, ws.Counts[models.TaskStatusCompleted], len(ws.Tasks))

		if ws.Status.Terminal() {
			fmt.Println()
			printWorkflow(ws)
			if ws.Status != models.TaskStatusCompleted {
				return fmt.Errorf("workflow %s %s", root.ID, ws.Status)
			}
			return nil
		}
	}
}

func printProgress(progress, completed, total int) {
	fmt.Printf("\r%3d%% (%d/%d tasks)", progress, completed, total)
}
