package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/internal/orchestrator"
)

var cycleWait bool

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one autonomous cycle",
	Long: `Select the highest-leverage available modules and spawn an agent for each.

With agents.command configured, the command waits for the spawned agents to
finish (or escalate) before exiting. Without it, agents are recorded but not
executed and are requeued the next time the orchestrator is resumed.`,
	Args: cobra.NoArgs,
	RunE: runCycle,
}

func init() {
	cycleCmd.Flags().BoolVar(&cycleWait, "wait", true, "Wait for spawned agents to settle")
}

func runCycle(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, stderrNotifier)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	result, err := s.coord.RunAutonomousCycle(ctx)
	printCycle(result)
	if err != nil {
		return err
	}

	if cycleWait && result.AgentsSpawned > 0 && s.cfg.Agents.Command != "" {
		fmt.Println("Waiting for agents...")
		if err := s.coord.Wait(ctx); err != nil {
			return err
		}
	}

	summary, err := s.coord.GetProgressSummary()
	if err != nil {
		return err
	}
	fmt.Printf("\nProgress: %d/%d modules complete (%.1f%%)\n",
		summary.ModulesCompleted, summary.ModulesTotal, summary.PercentComplete)
	return nil
}

// printCycle reports the outcome of one cycle.
func printCycle(r orchestrator.CycleResult) {
	if r.CycleID == "" {
		printStatus("-", "No available work", color.FgYellow)
		return
	}
	printStatus("✓", fmt.Sprintf("Cycle %s spawned %d agents (%s)", shortID(r.CycleID), r.AgentsSpawned, r.Mode), color.FgGreen)
	if len(r.Modules) > 0 {
		fmt.Printf("  modules:  %s\n", strings.Join(r.Modules, ", "))
	}
	if len(r.Rejected) > 0 {
		printStatus("⚠", "Rejected: "+strings.Join(r.Rejected, ", "), color.FgYellow)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
