// Package workspace gives every module an isolated git worktree on its own branch.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/internal/git"
	"github.com/ShayCichocki/foreman/pkg/models"
)

const (
	// DefaultBranchPrefix prefixes every module branch.
	DefaultBranchPrefix = "module/"
	// DefaultCoAuthor is appended to every commit message.
	DefaultCoAuthor = "Co-Authored-By: foreman <foreman@localhost>"
	// DefaultMainBranch is used when no main branch is configured.
	DefaultMainBranch = "main"
)

// ErrNoWorktree is returned when an operation targets a module without a worktree.
var ErrNoWorktree = errors.New("no worktree for module")

// Config configures an Isolator.
type Config struct {
	// RepoPath is the primary repository root. Required.
	RepoPath string
	// WorktreeRoot is where module worktrees are created.
	// Defaults to <RepoPath>/.foreman/worktrees.
	WorktreeRoot string
	// MainBranch is the merge target and the start point of new branches.
	MainBranch string
	// BranchPrefix prefixes module branches.
	BranchPrefix string
	// CoAuthor is the commit trailer line.
	CoAuthor string
	// OrchestratorID stamps emitted events.
	OrchestratorID string
}

// Option configures optional Isolator dependencies.
type Option func(*Isolator)

// WithGitFactory overrides how git runners are created.
func WithGitFactory(f git.Factory) Option {
	return func(i *Isolator) {
		i.newRunner = f
	}
}

// WithSink sets where worktree events go.
func WithSink(s events.Sink) Option {
	return func(i *Isolator) {
		i.sink = s
	}
}

// Status is the state of a module worktree.
type Status struct {
	Clean   bool     `json:"clean"`
	Changed []string `json:"changed,omitempty"`
}

// Summary reports every tracked worktree.
type Summary struct {
	Total        int               `json:"total"`
	TotalCommits int               `json:"total_commits"`
	Worktrees    []models.Worktree `json:"worktrees"`
}

// Isolator creates and tracks one worktree per module.
type Isolator struct {
	cfg       Config
	newRunner git.Factory
	repo      git.Runner
	sink      events.Sink

	mu        sync.Mutex
	worktrees map[string]*models.Worktree

	// mergeMu serialises checkouts and merges in the primary root.
	mergeMu sync.Mutex
}

// New creates an Isolator for the repository.
func New(cfg Config, opts ...Option) (*Isolator, error) {
	if cfg.RepoPath == "" {
		return nil, errors.New("workspace: repo path is required")
	}
	if cfg.WorktreeRoot == "" {
		cfg.WorktreeRoot = filepath.Join(cfg.RepoPath, ".foreman", "worktrees")
	}
	if cfg.MainBranch == "" {
		cfg.MainBranch = DefaultMainBranch
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = DefaultBranchPrefix
	}
	if cfg.CoAuthor == "" {
		cfg.CoAuthor = DefaultCoAuthor
	}

	i := &Isolator{
		cfg:       cfg,
		sink:      events.Discard,
		worktrees: make(map[string]*models.Worktree),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.newRunner == nil {
		i.newRunner = func(dir string) git.Runner { return git.NewRunner(dir) }
	}
	i.repo = i.newRunner(cfg.RepoPath)

	if err := os.MkdirAll(cfg.WorktreeRoot, 0755); err != nil {
		return nil, fmt.Errorf("create worktree root: %w", err)
	}
	return i, nil
}

// RepoPath returns the primary repository root.
func (i *Isolator) RepoPath() string { return i.cfg.RepoPath }

// Root returns the worktree root directory.
func (i *Isolator) Root() string { return i.cfg.WorktreeRoot }

// MainBranch returns the merge target branch.
func (i *Isolator) MainBranch() string { return i.cfg.MainBranch }

// BranchFor returns the branch name used for a module.
func (i *Isolator) BranchFor(moduleID string) string {
	return i.cfg.BranchPrefix + moduleID
}

func (i *Isolator) pathFor(moduleID string) string {
	return filepath.Join(i.cfg.WorktreeRoot, strings.ReplaceAll(moduleID, "/", "-"))
}

// CreateWorktree returns the module's worktree, creating it on first use.
// A worktree git already has on the module branch is adopted as-is. An
// existing branch is reattached; otherwise the branch is created from the
// main branch.
func (i *Isolator) CreateWorktree(ctx context.Context, moduleID string) (*models.Worktree, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if wt, ok := i.worktrees[moduleID]; ok {
		c := *wt
		return &c, nil
	}

	branch := i.BranchFor(moduleID)
	path := i.pathFor(moduleID)

	// git refuses a second worktree for a checked out branch.
	registered, err := i.registeredLocked(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("create worktree for %s: %w", moduleID, err)
	}
	if registered != nil {
		i.worktrees[moduleID] = registered
		c := *registered
		return &c, nil
	}

	exists, err := i.repo.BranchExists(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("create worktree for %s: %w", moduleID, err)
	}
	if exists {
		err = i.repo.WorktreeAdd(ctx, path, branch)
	} else {
		err = i.repo.WorktreeAddNewBranch(ctx, path, branch, i.cfg.MainBranch)
	}
	if err != nil {
		return nil, fmt.Errorf("create worktree for %s: %w", moduleID, err)
	}

	wt := &models.Worktree{
		ModuleID:  moduleID,
		Branch:    branch,
		Path:      path,
		CreatedAt: time.Now(),
	}
	i.worktrees[moduleID] = wt

	i.sink.Emit(i.event(events.WorktreeCreated, moduleID).With("branch", branch).With("path", path))

	c := *wt
	return &c, nil
}

// Commit stages files (all changes when none are given) and commits them.
// Returns the new commit hash, or "" when nothing was staged.
func (i *Isolator) Commit(ctx context.Context, moduleID, message string, files ...string) (string, error) {
	wt, err := i.lookup(moduleID)
	if err != nil {
		return "", err
	}
	r := i.newRunner(wt.Path)

	if len(files) == 0 {
		err = r.AddAll(ctx)
	} else {
		err = r.Add(ctx, files...)
	}
	if err != nil {
		return "", fmt.Errorf("stage changes for %s: %w", moduleID, err)
	}

	changes, err := r.Changes(ctx)
	if err != nil {
		return "", fmt.Errorf("read status for %s: %w", moduleID, err)
	}
	if !anyStaged(changes) {
		return "", nil
	}

	if err := r.Commit(ctx, message+"\n\n"+i.cfg.CoAuthor); err != nil {
		return "", fmt.Errorf("commit %s: %w", moduleID, err)
	}
	hash, err := r.HeadCommit(ctx)
	if err != nil {
		return "", fmt.Errorf("read head for %s: %w", moduleID, err)
	}

	i.mu.Lock()
	if cur, ok := i.worktrees[moduleID]; ok {
		cur.LastCommit = hash
		cur.CommitCount++
	}
	i.mu.Unlock()

	i.sink.Emit(i.event(events.WorktreeCommitted, moduleID).With("commit", hash).With("message", message))

	return hash, nil
}

// GetStatus reports whether the module worktree is clean and which paths changed.
func (i *Isolator) GetStatus(ctx context.Context, moduleID string) (Status, error) {
	wt, err := i.lookup(moduleID)
	if err != nil {
		return Status{}, err
	}

	changes, err := i.newRunner(wt.Path).Changes(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("read status for %s: %w", moduleID, err)
	}

	st := Status{Clean: len(changes) == 0}
	for _, c := range changes {
		st.Changed = append(st.Changed, c.Path)
	}
	return st, nil
}

// MergeToMain merges the module branch into the main branch of the primary root
// with a non-fast-forward merge, optionally deleting the worktree afterwards.
// Callers must ensure no agent is still writing to the worktree.
func (i *Isolator) MergeToMain(ctx context.Context, moduleID string, deleteAfter bool) error {
	wt, err := i.lookup(moduleID)
	if err != nil {
		return err
	}

	i.mergeMu.Lock()
	defer i.mergeMu.Unlock()

	if err := i.repo.CheckoutBranch(ctx, i.cfg.MainBranch); err != nil {
		return fmt.Errorf("checkout %s: %w", i.cfg.MainBranch, err)
	}
	msg := fmt.Sprintf("Merge module %s (%s) into %s", moduleID, wt.Branch, i.cfg.MainBranch)
	if err := i.repo.MergeNoFFMessage(ctx, wt.Branch, msg); err != nil {
		return fmt.Errorf("merge %s: %w", wt.Branch, err)
	}

	i.sink.Emit(i.event(events.WorktreeMerged, moduleID).With("branch", wt.Branch).With("into", i.cfg.MainBranch))

	if deleteAfter {
		return i.DeleteWorktree(ctx, moduleID, false)
	}
	return nil
}

// DeleteWorktree removes the module worktree. The branch is kept.
// Deleting an unknown module is a no-op.
func (i *Isolator) DeleteWorktree(ctx context.Context, moduleID string, force bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	wt, ok := i.worktrees[moduleID]
	if !ok {
		return nil
	}
	if err := i.repo.WorktreeRemove(ctx, wt.Path, force); err != nil {
		return fmt.Errorf("remove worktree for %s: %w", moduleID, err)
	}
	delete(i.worktrees, moduleID)

	i.sink.Emit(i.event(events.WorktreeDeleted, moduleID).With("path", wt.Path).With("force", force))
	return nil
}

// GetCommitLog returns up to limit commits of the module branch, newest first.
func (i *Isolator) GetCommitLog(ctx context.Context, moduleID string, limit int) ([]git.Commit, error) {
	wt, err := i.lookup(moduleID)
	if err != nil {
		return nil, err
	}
	commits, err := i.newRunner(wt.Path).Log(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("read log for %s: %w", moduleID, err)
	}
	return commits, nil
}

// ListWorktrees returns every tracked worktree ordered by module ID.
func (i *Isolator) ListWorktrees() []models.Worktree {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]models.Worktree, 0, len(i.worktrees))
	for _, wt := range i.worktrees {
		out = append(out, *wt)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ModuleID < out[b].ModuleID })
	return out
}

// GetSummary reports totals across all tracked worktrees.
func (i *Isolator) GetSummary() Summary {
	list := i.ListWorktrees()
	s := Summary{Total: len(list), Worktrees: list}
	for _, wt := range list {
		s.TotalCommits += wt.CommitCount
	}
	return s
}

// Recover rebuilds the module map from git's worktree registry.
// Only worktrees whose branch carries the module prefix are adopted.
// Returns the number of worktrees adopted.
func (i *Isolator) Recover(ctx context.Context) (int, error) {
	out, err := i.repo.WorktreeListPorcelain(ctx)
	if err != nil {
		return 0, fmt.Errorf("list worktrees: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	adopted := 0
	for _, entry := range git.ParseWorktreeList(out) {
		if entry.Bare || !strings.HasPrefix(entry.Branch, i.cfg.BranchPrefix) {
			continue
		}
		moduleID := strings.TrimPrefix(entry.Branch, i.cfg.BranchPrefix)
		if moduleID == "" {
			continue
		}
		if _, ok := i.worktrees[moduleID]; ok {
			continue
		}
		i.worktrees[moduleID] = &models.Worktree{
			ModuleID:   moduleID,
			Branch:     entry.Branch,
			Path:       entry.Path,
			LastCommit: entry.Head,
			CreatedAt:  time.Now(),
		}
		adopted++
	}
	return adopted, nil
}

// registeredLocked returns the worktree git already has checked out on the
// module's branch, or nil.
func (i *Isolator) registeredLocked(ctx context.Context, moduleID string) (*models.Worktree, error) {
	branch := i.BranchFor(moduleID)
	out, err := i.repo.WorktreeListPorcelain(ctx)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	for _, entry := range git.ParseWorktreeList(out) {
		if entry.Bare || entry.Branch != branch {
			continue
		}
		return &models.Worktree{
			ModuleID:   moduleID,
			Branch:     branch,
			Path:       entry.Path,
			LastCommit: entry.Head,
			CreatedAt:  time.Now(),
		}, nil
	}
	return nil, nil
}

// Prune removes git's records of worktrees whose directories are gone.
func (i *Isolator) Prune(ctx context.Context) error {
	if err := i.repo.WorktreePrune(ctx); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

func (i *Isolator) lookup(moduleID string) (models.Worktree, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	wt, ok := i.worktrees[moduleID]
	if !ok {
		return models.Worktree{}, fmt.Errorf("%w: %s", ErrNoWorktree, moduleID)
	}
	return *wt, nil
}

func (i *Isolator) event(t events.Type, moduleID string) events.Event {
	return events.New(t, i.cfg.OrchestratorID).WithModule(moduleID)
}

func anyStaged(changes []git.FileChange) bool {
	for _, c := range changes {
		if c.Staged() {
			return true
		}
	}
	return false
}
