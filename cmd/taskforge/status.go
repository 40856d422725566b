package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskforge/internal/orchestrator"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show a workflow's task statuses",
	Long: `Display the stored state of a workflow: every task with its stage,
assigned agent, status, and error, plus overall progress.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&flagConfig, "config", "", "Path to config file")
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	ws, err := orch.GetWorkflowStatus(args[0])
	if err != nil {
		return err
	}
	printWorkflow(ws)
	return nil
}

func printWorkflow(ws *orchestrator.WorkflowStatus) {
	fmt.Printf("workflow %s  %s  %d%%\n", color.CyanString(ws.WorkflowID), statusColor(ws.Status), ws.Progress)
	if ws.Requirement != "" {
		fmt.Printf("  %s\n", ws.Requirement)
	}
	fmt.Println()
	for _, task := range ws.Tasks {
		line := fmt.Sprintf("  %-10s %-14s %-16s %s", task.ID, task.Stage, statusColor(task.Status), task.Title)
		if task.AgentID != "" {
			line += fmt.Sprintf("  [%s]", task.AgentID)
		}
		if task.Retries > 0 {
			line += fmt.Sprintf("  (attempt %d)", task.Retries+1)
		}
		fmt.Println(line)
		if task.Error != "" {
			fmt.Printf("             %s\n", color.RedString(task.Error))
		}
	}
}

func statusColor(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusCompleted:
		return color.GreenString(string(status))
	case models.TaskStatusFailed:
		return color.RedString(string(status))
	case models.TaskStatusCancelled:
		return color.YellowString(string(status))
	case models.TaskStatusInProgress, models.TaskStatusAssigned:
		return color.CyanString(string(status))
	default:
		return string(status)
	}
}
