package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	flagSystem   string
	flagID       string
	flagRoadmap  string
	flagStateDir string
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Agent orchestration for roadmap-driven systems",
	Long: `Foreman keeps one orchestrator per system. It picks the highest-leverage
available modules from the roadmap, spawns an agent for each in its own git
worktree, and supervises them through retry, reassignment and escalation.

State is persisted per system, so an interrupted orchestrator resumes where
it left off.

Commands:
  init      Create or resume the orchestrator for a system
  cycle     Run one autonomous cycle
  run       Run cycles until interrupted
  status    Show progress
  watch     Live progress view
  pause     Stop scheduling new work
  resume    Re-enable scheduling
  retry     Requeue an escalated module
  shutdown  Terminate all agents and stop`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagSystem, "system", "C", ".", "Path to the system's git repository")
	rootCmd.PersistentFlags().StringVar(&flagID, "id", "", "System identifier (defaults to the repository directory name)")
	rootCmd.PersistentFlags().StringVar(&flagRoadmap, "roadmap", "", "Roadmap file (overrides roadmap.path)")
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "State directory (overrides state.dir)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(worktreesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
