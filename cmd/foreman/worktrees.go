package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/internal/git"
	"github.com/ShayCichocki/foreman/internal/workspace"
)

var worktreesPrune bool

var worktreesCmd = &cobra.Command{
	Use:   "worktrees",
	Short: "List module worktrees",
	Long: `List the git worktrees foreman created for the system's modules, with
their branches and last commits.`,
	Args: cobra.NoArgs,
	RunE: runWorktrees,
}

func init() {
	worktreesCmd.Flags().BoolVar(&worktreesPrune, "prune", false, "Remove git records of worktrees whose directories are gone")
}

func runWorktrees(cmd *cobra.Command, args []string) error {
	view, cfg, closeDB, err := openStateView()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := commandContext(cmd)
	o, err := view.Orchestrator(ctx)
	if err != nil {
		return err
	}

	iso, err := workspace.New(workspace.Config{
		RepoPath:       o.SystemPath,
		WorktreeRoot:   o.WorktreeRoot,
		MainBranch:     o.MainBranch,
		BranchPrefix:   cfg.Workspace.BranchPrefix,
		CoAuthor:       cfg.Workspace.CoAuthor,
		OrchestratorID: o.ID,
	}, workspace.WithGitFactory(git.NewFactory(cfg.Git.Timeout)))
	if err != nil {
		return err
	}

	if worktreesPrune {
		if err := iso.Prune(ctx); err != nil {
			return err
		}
		printStatus("✓", "Pruned stale worktree records", color.FgGreen)
	}
	if _, err := iso.Recover(ctx); err != nil {
		return err
	}

	summary := iso.GetSummary()
	if summary.Total == 0 {
		fmt.Println("No module worktrees.")
		return nil
	}

	fmt.Printf("%s worktrees under %s (main: %s)\n\n", color.New(color.Bold).Sprint(summary.Total), iso.Root(), iso.MainBranch())
	for _, wt := range summary.Worktrees {
		fmt.Printf("  %-20s %-28s %s\n", wt.ModuleID, wt.Branch, shortID(wt.LastCommit))
		fmt.Printf("  %-20s %s\n", "", color.HiBlackString(wt.Path))
	}
	return nil
}
