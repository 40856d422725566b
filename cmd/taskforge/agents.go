package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Show agent workload and lifetime metrics",
	Long: `List every registered agent with its current load, capacity,
lifetime task counts, success rate, token usage, and estimated cost.`,
	RunE: runAgents,
}

func init() {
	agentsCmd.Flags().StringVar(&flagConfig, "config", "", "Path to config file")
}

func runAgents(cmd *cobra.Command, args []string) error {
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

	workload, err := orch.ListAgentStats()
	if err != nil {
		return err
	}
	if len(workload) == 0 {
		fmt.Println("No agents registered. Run 'taskforge run' to seed the fleet.")
		return nil
	}

	fmt.Printf("%-20s %-16s %-8s %-6s %-8s %-8s %-10s %s\n",
		"AGENT", "TYPE", "STATUS", "LOAD", "HANDLED", "SUCCESS", "TOKENS", "COST")
	for _, w := range workload {
		rate := "-"
		if w.Handled > 0 {
			rate = fmt.Sprintf("%.0f%%", w.SuccessRate*100)
		}
		fmt.Printf("%-20s %-16s %-8s %d/%-4d %-8d %-8s %-10d $%.4f\n",
			w.AgentID, w.Type, agentStatusColor(w.Status), w.CurrentLoad, w.MaxLoad,
			w.Handled, rate, w.TokensUsed, w.CostUSD)
	}
	return nil
}

func agentStatusColor(status models.AgentStatus) string {
	switch status {
	case models.AgentStatusBusy:
		return color.CyanString(string(status))
	case models.AgentStatusOffline:
		return color.RedString(string(status))
	default:
		return color.GreenString(string(status))
	}
}
