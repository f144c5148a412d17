package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds every git invocation unless overridden.
const DefaultTimeout = 2 * time.Minute

// CommandError is returned when git exits non-zero or cannot be run.
type CommandError struct {
	Args     []string
	Dir      string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s in %s: %v", strings.Join(e.Args, " "), e.Dir, e.Err)
	if e.Stderr != "" {
		msg += " (stderr: " + e.Stderr + ")"
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner implements Runner using exec.CommandContext.
type ExecRunner struct {
	dir     string
	timeout time.Duration
}

// NewRunner creates a git runner for the directory with DefaultTimeout.
func NewRunner(dir string) *ExecRunner {
	return &ExecRunner{dir: dir, timeout: DefaultTimeout}
}

// NewRunnerWithTimeout creates a git runner with a custom timeout. Zero disables it.
func NewRunnerWithTimeout(dir string, timeout time.Duration) *ExecRunner {
	return &ExecRunner{dir: dir, timeout: timeout}
}

// NewFactory returns a Factory producing ExecRunners with the given timeout.
func NewFactory(timeout time.Duration) Factory {
	return func(dir string) Runner {
		return NewRunnerWithTimeout(dir, timeout)
	}
}

// Dir returns the directory the runner executes in.
func (r *ExecRunner) Dir() string {
	return r.dir
}

// run executes a git command and returns its stdout without the trailing newline.
func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		cerr := &CommandError{
			Args:     args,
			Dir:      r.dir,
			Stderr:   strings.TrimSpace(stderr.String()),
			ExitCode: -1,
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cerr.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			cerr.Err = ctxErr
		}
		return "", cerr
	}
	return strings.TrimRight(stdout.String(), "\r\n"), nil
}

func (r *ExecRunner) runSilent(ctx context.Context, args ...string) error {
	_, err := r.run(ctx, args...)
	return err
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, args...)
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := r.run(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		// Exit code 1 means the ref does not resolve
		var cerr *CommandError
		if errors.As(err, &cerr) && cerr.ExitCode == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(ctx context.Context, name string) error {
	return r.runSilent(ctx, "checkout", name)
}

// HeadCommit returns the full hash of HEAD.
func (r *ExecRunner) HeadCommit(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "HEAD")
}

// Status returns the output of git status --porcelain.
func (r *ExecRunner) Status(ctx context.Context) (string, error) {
	return r.run(ctx, "status", "--porcelain")
}

// Changes returns the parsed porcelain status.
func (r *ExecRunner) Changes(ctx context.Context) ([]FileChange, error) {
	out, err := r.Status(ctx)
	if err != nil {
		return nil, err
	}
	return ParseStatus(out), nil
}

// AddAll stages every change.
func (r *ExecRunner) AddAll(ctx context.Context) error {
	return r.runSilent(ctx, "add", "-A")
}

// Add stages the specified paths.
func (r *ExecRunner) Add(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	return r.runSilent(ctx, args...)
}

// Commit creates a new commit with the given message.
func (r *ExecRunner) Commit(ctx context.Context, message string) error {
	return r.runSilent(ctx, "commit", "-m", message)
}

// MergeNoFFMessage merges the specified branch with --no-ff and a custom message.
func (r *ExecRunner) MergeNoFFMessage(ctx context.Context, branch, message string) error {
	return r.runSilent(ctx, "merge", branch, "--no-ff", "-m", message)
}

// WorktreeAdd creates a new worktree at the given path for an existing branch.
func (r *ExecRunner) WorktreeAdd(ctx context.Context, path, branch string) error {
	return r.runSilent(ctx, "worktree", "add", path, branch)
}

// WorktreeAddNewBranch creates a new worktree with a new branch (git worktree add -b).
func (r *ExecRunner) WorktreeAddNewBranch(ctx context.Context, path, branch, startPoint string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	return r.runSilent(ctx, args...)
}

// WorktreeRemove removes the worktree, optionally with force.
func (r *ExecRunner) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	return r.runSilent(ctx, args...)
}

// WorktreeListPorcelain returns the raw porcelain output for detailed parsing.
func (r *ExecRunner) WorktreeListPorcelain(ctx context.Context) (string, error) {
	return r.run(ctx, "worktree", "list", "--porcelain")
}

// WorktreePrune removes stale worktree entries.
func (r *ExecRunner) WorktreePrune(ctx context.Context) error {
	return r.runSilent(ctx, "worktree", "prune")
}

// Log returns at most limit commits reachable from HEAD.
func (r *ExecRunner) Log(ctx context.Context, limit int) ([]Commit, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := r.run(ctx, "log", "--max-count="+strconv.Itoa(limit), "--pretty=format:"+logFormat)
	if err != nil {
		return nil, err
	}
	return ParseLog(out), nil
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
