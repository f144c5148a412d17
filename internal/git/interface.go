// Package git drives the git command line as a sub-process.
package git

import "context"

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the checked out branch.
	CurrentBranch(ctx context.Context) (string, error)
	// BranchExists returns true if a local branch with the name exists.
	BranchExists(ctx context.Context, name string) (bool, error)
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(ctx context.Context, name string) error
	// HeadCommit returns the full hash of HEAD.
	HeadCommit(ctx context.Context) (string, error)
}

// StatusOperations defines the interface for working tree inspection.
type StatusOperations interface {
	// Status returns the output of git status --porcelain.
	Status(ctx context.Context) (string, error)
	// Changes returns the parsed porcelain status.
	Changes(ctx context.Context) ([]FileChange, error)
}

// CommitOperations defines the interface for git commit operations.
type CommitOperations interface {
	// AddAll stages every change, including untracked files.
	AddAll(ctx context.Context) error
	// Add stages the specified paths.
	Add(ctx context.Context, paths ...string) error
	// Commit creates a new commit with the given message.
	Commit(ctx context.Context, message string) error
}

// MergeOperations defines the interface for git merge operations.
type MergeOperations interface {
	// MergeNoFFMessage merges the branch with --no-ff and a custom message.
	MergeNoFFMessage(ctx context.Context, branch, message string) error
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAdd attaches a new worktree at path to an existing branch.
	WorktreeAdd(ctx context.Context, path, branch string) error
	// WorktreeAddNewBranch creates the branch from startPoint and a worktree for it.
	// An empty startPoint branches from HEAD.
	WorktreeAddNewBranch(ctx context.Context, path, branch, startPoint string) error
	// WorktreeRemove removes the worktree at path, optionally with --force.
	WorktreeRemove(ctx context.Context, path string, force bool) error
	// WorktreeListPorcelain returns the raw porcelain listing.
	WorktreeListPorcelain(ctx context.Context) (string, error)
	// WorktreePrune removes stale worktree entries.
	WorktreePrune(ctx context.Context) error
}

// LogOperations defines the interface for history queries.
type LogOperations interface {
	// Log returns at most limit commits reachable from HEAD, newest first.
	Log(ctx context.Context, limit int) ([]Commit, error)
}

// Runner defines the complete interface for git operations bound to one directory.
// Consumers should prefer the focused interfaces when possible.
type Runner interface {
	BranchOperations
	StatusOperations
	CommitOperations
	MergeOperations
	WorktreeOperations
	LogOperations
	// Dir returns the directory the runner executes in.
	Dir() string
	// Run executes an arbitrary git command and returns its stdout.
	Run(ctx context.Context, args ...string) (string, error)
}

// Factory binds a Runner to a directory.
type Factory func(dir string) Runner
