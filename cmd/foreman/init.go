package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/internal/config"
	"github.com/ShayCichocki/foreman/internal/git"
	"github.com/ShayCichocki/foreman/internal/roadmap"
)

var (
	initNoGit      bool
	initWithConfig bool
)

var initCmd = &cobra.Command{
	Use:   "init [system-id]",
	Short: "Create or resume the orchestrator for a system",
	Long: `Prepare a repository for foreman and initialize its orchestrator.

This command:
  - Verifies git is installed and the repository has a commit
  - Creates the .foreman directory structure
  - Writes a sample roadmap.yaml if none exists
  - Adds foreman entries to .gitignore
  - Creates the orchestrator, or resumes a paused one

The system ID defaults to the repository directory name. Later commands
must pass the same ID with --id when it differs from the default.

Examples:
  foreman init                 # Initialize the current directory
  foreman init billing -C ./billing
  foreman init --with-config   # Also write a .foreman.yaml template`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initNoGit, "no-git", false, "Skip git repository checks")
	initCmd.Flags().BoolVar(&initWithConfig, "with-config", false, "Write a .foreman.yaml with the current settings")
}

func runInit(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		flagID = args[0]
	}
	sys, err := resolveSystem(flagSystem, flagID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(sys.Path, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", sys.Path, err)
	}

	ctx := commandContext(cmd)

	fmt.Printf("Initializing foreman for %s in %s...\n\n", sys.ID, sys.Path)

	if err := checkGitInstalled(); err != nil {
		printStatus("✗", "Git not found", color.FgRed)
		return err
	}
	printStatus("✓", "Git found", color.FgGreen)

	if !initNoGit {
		if err := initGitRepo(ctx, sys.Path); err != nil {
			return err
		}
	}

	logsDir := filepath.Join(sys.Path, ".foreman", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("creating .foreman/logs directory: %w", err)
	}
	printStatus("✓", "Created .foreman directory structure", color.FgGreen)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	created, err := writeSampleRoadmap(roadmapPath(cfg, sys))
	if err != nil {
		return fmt.Errorf("creating roadmap: %w", err)
	}
	if created {
		printStatus("✓", "Created sample roadmap.yaml", color.FgGreen)
	} else {
		printStatus("✓", "Roadmap exists", color.FgGreen)
	}

	if !initNoGit {
		if err := updateGitignore(sys.Path); err != nil {
			return fmt.Errorf("updating .gitignore: %w", err)
		}
		printStatus("✓", "Updated .gitignore with foreman entries", color.FgGreen)
	}

	if initWithConfig {
		path := filepath.Join(sys.Path, config.ProjectConfigName)
		if _, err := os.Stat(path); err == nil {
			printStatus("⚠", config.ProjectConfigName+" exists, not overwritten", color.FgYellow)
		} else if err := config.SaveTo(cfg, path); err != nil {
			return fmt.Errorf("creating project config: %w", err)
		} else {
			printStatus("✓", "Created "+config.ProjectConfigName, color.FgGreen)
		}
	}

	s, err := openSession(ctx, stderrNotifier)
	if err != nil {
		printStatus("✗", "Orchestrator initialization failed", color.FgRed)
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	o, err := s.coord.Orchestrator()
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Orchestrator %s is %s", o.ID, o.Status), color.FgGreen)

	fmt.Printf("\n%s foreman initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Project details:")
	fmt.Printf("  System ID:   %s\n", o.SystemID)
	fmt.Printf("  Repository:  %s\n", o.SystemPath)
	fmt.Printf("  Main branch: %s\n", o.MainBranch)
	fmt.Printf("  Modules:     %d (%d complete)\n", o.ModuleCount(), len(o.ModulesCompleted))
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  foreman cycle    # spawn agents for the best available modules")
	fmt.Println("  foreman run      # keep cycling until interrupted")
	fmt.Println("  foreman watch    # follow progress")
	if s.cfg.Agents.Command == "" {
		fmt.Println()
		printStatus("⚠", "agents.command is not set: agents are tracked but not executed", color.FgYellow)
	}
	return nil
}

// checkGitInstalled checks if git is installed
func checkGitInstalled() error {
	_, err := exec.LookPath("git")
	if err != nil {
		return fmt.Errorf("git not found in PATH\n\n" +
			"foreman isolates each module in a git worktree.\n\n" +
			"Install git with:\n" +
			"  - macOS: brew install git\n" +
			"  - Ubuntu/Debian: sudo apt-get install git\n" +
			"  - Other: https://git-scm.com/downloads")
	}
	return nil
}

// initGitRepo initializes the repository if needed and makes sure HEAD
// points at a commit, since worktrees branch from it.
func initGitRepo(ctx context.Context, repoPath string) error {
	runner := git.NewRunner(repoPath)

	if _, err := os.Stat(filepath.Join(repoPath, ".git")); os.IsNotExist(err) {
		if _, err := runner.Run(ctx, "init"); err != nil {
			return fmt.Errorf("git init failed: %w", err)
		}
		printStatus("✓", "Initialized git repository", color.FgGreen)
	} else {
		printStatus("✓", "Git repository exists", color.FgGreen)
	}

	if _, err := runner.HeadCommit(ctx); err == nil {
		printStatus("✓", "Git repository has commits", color.FgGreen)
		return nil
	}
	if _, err := runner.Run(ctx, "commit", "--allow-empty", "-m", "Initial commit"); err != nil {
		return fmt.Errorf("creating initial commit: %w", err)
	}
	printStatus("✓", "Created initial commit", color.FgGreen)
	return nil
}

// sampleRoadmap is written by init when the system has no roadmap.
const sampleRoadmap = `# Modules are scheduled once every module they depend on is complete.
# Leverage is computed from how much of the graph a module unblocks,
# or pinned with "leverage: <score>".
modules:
  - id: foundation
    description: Core types and storage
    status: pending
    files: [internal/core]
  - id: api
    description: Public API on top of the core
    status: pending
    depends_on: [foundation]
    files: [internal/api]
  - id: cli
    description: Command line interface
    status: pending
    depends_on: [api]
    files: [cmd]
`

// writeSampleRoadmap creates path with sampleRoadmap unless it exists.
func writeSampleRoadmap(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(sampleRoadmap), 0644); err != nil {
		return false, err
	}
	if _, err := roadmap.LoadFile(path); err != nil {
		return false, fmt.Errorf("sample roadmap is invalid: %w", err)
	}
	return true, nil
}

// gitignoreEntries keep foreman's working files out of the repository.
var gitignoreEntries = []string{
	".foreman/logs/",
	".foreman/worktrees/",
}

// updateGitignore adds foreman entries to .gitignore if not present
func updateGitignore(repoPath string) error {
	gitignorePath := filepath.Join(repoPath, ".gitignore")

	var existingContent string
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existingContent = string(data)
	}

	var missing []string
	for _, entry := range gitignoreEntries {
		if !strings.Contains(existingContent, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var newContent strings.Builder
	newContent.WriteString(existingContent)
	if len(existingContent) > 0 && !strings.HasSuffix(existingContent, "\n") {
		newContent.WriteString("\n")
	}
	newContent.WriteString("\n# foreman\n")
	for _, entry := range missing {
		newContent.WriteString(entry + "\n")
	}

	return os.WriteFile(gitignorePath, []byte(newContent.String()), 0644)
}
