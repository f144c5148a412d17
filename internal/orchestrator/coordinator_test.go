package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/foreman/internal/config"
	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/internal/git"
	"github.com/ShayCichocki/foreman/internal/roadmap"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/internal/supervisor"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// fakeGit satisfies git.Runner without touching disk. Every worktree
// operation succeeds.
type fakeGit struct {
	branch    string
	branchErr error
}

func (f *fakeGit) factory() git.Factory {
	return func(dir string) git.Runner { return &fakeGitRunner{fake: f, dir: dir} }
}

type fakeGitRunner struct {
	fake *fakeGit
	dir  string
}

func (r *fakeGitRunner) Dir() string { return r.dir }
func (r *fakeGitRunner) Run(context.Context, ...string) (string, error) { return "", nil }
func (r *fakeGitRunner) BranchExists(context.Context, string) (bool, error) { return false, nil }
func (r *fakeGitRunner) CheckoutBranch(context.Context, string) error { return nil }
func (r *fakeGitRunner) HeadCommit(context.Context) (string, error) { return "abc123", nil }
func (r *fakeGitRunner) Status(context.Context) (string, error) { return "", nil }
func (r *fakeGitRunner) Changes(context.Context) ([]git.FileChange, error) { return nil, nil }
func (r *fakeGitRunner) AddAll(context.Context) error { return nil }
func (r *fakeGitRunner) Add(context.Context, ...string) error { return nil }
func (r *fakeGitRunner) Commit(context.Context, string) error { return nil }
func (r *fakeGitRunner) MergeNoFFMessage(context.Context, string, string) error { return nil }
func (r *fakeGitRunner) WorktreeAdd(context.Context, string, string) error { return nil }
func (r *fakeGitRunner) WorktreeAddNewBranch(context.Context, string, string, string) error {
	return nil
}
func (r *fakeGitRunner) WorktreeRemove(context.Context, string, bool) error { return nil }
func (r *fakeGitRunner) WorktreeListPorcelain(context.Context) (string, error) { return "", nil }
func (r *fakeGitRunner) WorktreePrune(context.Context) error { return nil }
func (r *fakeGitRunner) Log(context.Context, int) ([]git.Commit, error) { return nil, nil }

func (r *fakeGitRunner) CurrentBranch(context.Context) (string, error) {
	return r.fake.branch, r.fake.branchErr
}

var _ git.Runner = (*fakeGitRunner)(nil)

func lev(v float64) *float64 { return &v }

func newRoadmap(t *testing.T, modules ...roadmap.Module) *roadmap.Static {
	t.Helper()
	rm, err := roadmap.NewStatic(modules)
	if err != nil {
		t.Fatalf("NewStatic() error = %v", err)
	}
	return rm
}

func pending(ids ...string) []roadmap.Module {
	out := make([]roadmap.Module, len(ids))
	for i, id := range ids {
		out[i] = roadmap.Module{ID: id, Status: roadmap.StatusPending, Files: []string{id + ".go"}}
	}
	return out
}

type harness struct {
	c        *Coordinator
	rm       *roadmap.Static
	stateDir string
	path     string
}

func testSettings() Settings {
	s := DefaultSettings()
	s.RetryDelay = 0
	return s
}

func newHarness(t *testing.T, rm *roadmap.Static, opts ...Option) *harness {
	t.Helper()
	h := &harness{rm: rm, stateDir: t.TempDir(), path: t.TempDir()}
	h.c = h.open(t, opts...)
	return h
}

// open creates and initializes a coordinator for the harness system.
func (h *harness) open(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{
		WithSettings(testSettings()),
		WithGitFactory((&fakeGit{branch: "main"}).factory()),
	}
	c, err := New(RequiredConfig{StateDir: h.stateDir, Roadmap: h.rm}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := c.InitializeOrchestrator(context.Background(), "billing", h.path); err != nil {
		t.Fatalf("InitializeOrchestrator() error = %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func eventsOf(all []events.Event, typ events.Type) []events.Event {
	var out []events.Event
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func spawnModules(t *testing.T, c *Coordinator, count int) SpawnResult {
	t.Helper()
	ctx := context.Background()
	items, err := c.GetNextWorkItems(ctx, count)
	if err != nil {
		t.Fatalf("GetNextWorkItems() error = %v", err)
	}
	res, err := c.SpawnAgentsForWork(ctx, items)
	if err != nil {
		t.Fatalf("SpawnAgentsForWork() error = %v", err)
	}
	return res
}

func agentFor(t *testing.T, res SpawnResult, moduleID string) *models.Agent {
	t.Helper()
	for _, a := range res.Agents {
		if a.ModuleID == moduleID {
			return a
		}
	}
	t.Fatalf("no agent spawned for %s in %v", moduleID, res.Modules())
	return nil
}

func TestNew_RequiresRoadmap(t *testing.T) {
	if _, err := New(RequiredConfig{}); err == nil {
		t.Fatal("New() without roadmap should fail")
	}
}

func TestInitializeOrchestrator_SyncsRoadmap(t *testing.T) {
	rm := newRoadmap(t,
		roadmap.Module{ID: "core", Status: roadmap.StatusComplete},
		roadmap.Module{ID: "auth", Status: roadmap.StatusInProgress, DependsOn: []string{"core"}},
		roadmap.Module{ID: "ui", Status: roadmap.StatusPending, DependsOn: []string{"auth"}},
	)
	stateDir, path := t.TempDir(), t.TempDir()
	c, err := New(RequiredConfig{StateDir: stateDir, Roadmap: rm},
		WithGitFactory((&fakeGit{branch: "trunk"}).factory()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	o, err := c.InitializeOrchestrator(context.Background(), "billing", path)
	if err != nil {
		t.Fatalf("InitializeOrchestrator() error = %v", err)
	}

	if o.Status != models.OrchestratorActive {
		t.Errorf("Status = %s, want active", o.Status)
	}
	if o.MainBranch != "trunk" {
		t.Errorf("MainBranch = %q, want trunk", o.MainBranch)
	}
	if want := filepath.Join(path, ".foreman", "worktrees"); o.WorktreeRoot != want {
		t.Errorf("WorktreeRoot = %q, want %q", o.WorktreeRoot, want)
	}
	if !slices.Equal(o.ModulesCompleted, []string{"core"}) ||
		!slices.Equal(o.ModulesInProgress, []string{"auth"}) ||
		!slices.Equal(o.ModulesPending, []string{"ui"}) {
		t.Errorf("partition = %v / %v / %v", o.ModulesCompleted, o.ModulesInProgress, o.ModulesPending)
	}

	if _, err := c.InitializeOrchestrator(context.Background(), "billing", path); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second InitializeOrchestrator() error = %v, want ErrAlreadyInitialized", err)
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	all := c.Events()
	if len(all) == 0 || all[0].Type != events.OrchestratorInitialized {
		t.Fatalf("first event = %v, want orchestrator:initialized", all)
	}
	if got := all[0].Payload["main_branch"]; got != "trunk" {
		t.Errorf("initialized main_branch = %v, want trunk", got)
	}
}

func TestDetectMainBranch(t *testing.T) {
	tests := []struct {
		name   string
		branch string
		err    error
		want   string
	}{
		{"checked out branch", "develop", nil, "develop"},
		{"git error", "", errors.New("not a repository"), "main"},
		{"detached head", "HEAD", nil, "main"},
		{"empty", "", nil, "main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := (&fakeGit{branch: tt.branch, branchErr: tt.err}).factory()(t.TempDir())
			if got := detectMainBranch(context.Background(), runner); got != tt.want {
				t.Errorf("detectMainBranch() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	c, err := New(RequiredConfig{StateDir: t.TempDir(), Roadmap: newRoadmap(t, pending("a")...)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	ops := map[string]func() error{
		"GetNextWorkItems": func() error { _, err := c.GetNextWorkItems(ctx, 1); return err },
		"SpawnAgentsForWork": func() error {
			_, err := c.SpawnAgentsForWork(ctx, []*models.WorkItem{{ModuleID: "a"}})
			return err
		},
		"HandleAgentComplete": func() error { return c.HandleAgentComplete(ctx, "x") },
		"HandleAgentFailed":   func() error { return c.HandleAgentFailed(ctx, "x") },
		"RunAutonomousCycle":  func() error { _, err := c.RunAutonomousCycle(ctx); return err },
		"Run":                 func() error { return c.Run(ctx, time.Millisecond) },
		"Pause":               func() error { return c.Pause(ctx) },
		"Resume":              func() error { return c.Resume(ctx) },
		"Shutdown":            func() error { return c.Shutdown(ctx) },
		"RetryModule":         func() error { return c.RetryModule(ctx, "a") },
		"GetProgressSummary":  func() error { _, err := c.GetProgressSummary(); return err },
		"GenerateTerminalView": func() error { _, err := c.GenerateTerminalView(); return err },
		"Orchestrator":        func() error { _, err := c.Orchestrator(); return err },
		"LiveAgents":          func() error { _, err := c.LiveAgents(); return err },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if err := op(); !errors.Is(err, ErrNotInitialized) {
				t.Errorf("%s() error = %v, want ErrNotInitialized", name, err)
			}
		})
	}

	if c.Status() != "" {
		t.Errorf("Status() = %q, want empty", c.Status())
	}
	if _, ok := <-c.SubscribeAll(1); ok {
		t.Error("SubscribeAll() before init should return a closed channel")
	}
	if err := c.Close(ctx); err != nil {
		t.Errorf("Close() before init error = %v", err)
	}
}

func TestGetNextWorkItems_RanksByLeverage(t *testing.T) {
	modules := pending("a", "b", "c")
	modules[0].Leverage = lev(0.9)
	modules[1].Leverage = lev(0.4)
	modules[2].Leverage = lev(0.7)
	modules[2].Description = "checkout flow"
	h := newHarness(t, newRoadmap(t, modules...))

	items, err := h.c.GetNextWorkItems(context.Background(), 2)
	if err != nil {
		t.Fatalf("GetNextWorkItems() error = %v", err)
	}
	var got []string
	for _, item := range items {
		got = append(got, item.ModuleID)
		if item.ID == "" || item.LoopID != models.DefaultLoopID {
			t.Errorf("item %+v missing ID or default loop", item)
		}
	}
	if !slices.Equal(got, []string{"a", "c"}) {
		t.Fatalf("modules = %v, want [a c]", got)
	}
	if items[0].Scope != "a" || items[1].Scope != "checkout flow" {
		t.Errorf("scopes = %q, %q", items[0].Scope, items[1].Scope)
	}
	if items[0].LeverageScore != 0.9 {
		t.Errorf("LeverageScore = %v, want 0.9", items[0].LeverageScore)
	}

	none, err := h.c.GetNextWorkItems(context.Background(), 0)
	if err != nil || len(none) != 0 {
		t.Errorf("GetNextWorkItems(0) = %v, %v; want empty", none, err)
	}
}

func TestGetNextWorkItems_SkipsUnmetDependencies(t *testing.T) {
	h := newHarness(t, newRoadmap(t,
		roadmap.Module{ID: "core", Status: roadmap.StatusPending},
		roadmap.Module{ID: "api", Status: roadmap.StatusPending, DependsOn: []string{"core"}},
	))
	items, err := h.c.GetNextWorkItems(context.Background(), 5)
	if err != nil {
		t.Fatalf("GetNextWorkItems() error = %v", err)
	}
	if len(items) != 1 || items[0].ModuleID != "core" {
		t.Fatalf("items = %+v, want only core", items)
	}
}

func TestSpawnAndComplete(t *testing.T) {
	h := newHarness(t, newRoadmap(t, pending("a", "b", "c")...))
	ctx := context.Background()

	res := spawnModules(t, h.c, 3)
	if len(res.Agents) != 3 {
		t.Fatalf("spawned %d agents, want 3", len(res.Agents))
	}
	if res.Decision.Mode != models.ConcurrencyParallelAsync {
		t.Errorf("mode = %s, want parallel-async", res.Decision.Mode)
	}
	if d := h.c.LastDecision(); d == nil || d.Mode != res.Decision.Mode {
		t.Errorf("LastDecision() = %+v", d)
	}
	o, _ := h.c.Orchestrator()
	if len(o.ModulesInProgress) != 3 || len(o.ModulesPending) != 0 || len(o.ActiveAgents) != 3 {
		t.Fatalf("after spawn: in progress %v, pending %v, active %v", o.ModulesInProgress, o.ModulesPending, o.ActiveAgents)
	}

	a := agentFor(t, res, "a")
	if err := h.c.Supervisor().HandleSignal(ctx, supervisor.Signal{AgentID: a.ID, Kind: supervisor.SignalComplete}); err != nil {
		t.Fatalf("HandleSignal(complete) error = %v", err)
	}

	o, _ = h.c.Orchestrator()
	if !slices.Equal(o.ModulesCompleted, []string{"a"}) {
		t.Errorf("ModulesCompleted = %v, want [a]", o.ModulesCompleted)
	}
	slices.Sort(o.ModulesInProgress)
	if !slices.Equal(o.ModulesInProgress, []string{"b", "c"}) {
		t.Errorf("ModulesInProgress = %v, want [b c]", o.ModulesInProgress)
	}
	if slices.Contains(o.ActiveAgents, a.ID) || len(o.ActiveAgents) != 2 {
		t.Errorf("ActiveAgents = %v, want 2 without %s", o.ActiveAgents, a.ID)
	}

	s, err := h.c.GetProgressSummary()
	if err != nil {
		t.Fatalf("GetProgressSummary() error = %v", err)
	}
	if s.Queue.Completed != 1 || s.Queue.InProgress != 2 {
		t.Errorf("queue = %+v, want 1 completed, 2 in progress", s.Queue)
	}

	modules, _ := h.rm.GetRoadmap(ctx)
	for _, m := range modules {
		want := roadmap.StatusPending
		if m.ID == "a" {
			want = roadmap.StatusComplete
		}
		if m.Status != want {
			t.Errorf("roadmap %s = %s, want %s", m.ID, m.Status, want)
		}
	}

	if err := h.c.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	completed := eventsOf(h.c.Events(), events.WorkCompleted)
	if len(completed) != 1 || completed[0].ModuleID != "a" || completed[0].AgentID != a.ID {
		t.Errorf("work:completed events = %+v, want one for a", completed)
	}
	if got := len(eventsOf(h.c.Events(), events.WorkAssigned)); got != 3 {
		t.Errorf("work:assigned events = %d, want 3", got)
	}
}

func TestSpawnAgentsForWork_RejectsModuleInFlight(t *testing.T) {
	h := newHarness(t, newRoadmap(t, pending("a", "b")...))
	ctx := context.Background()

	first := spawnModules(t, h.c, 1)
	if got := first.Modules(); !slices.Equal(got, []string{"a"}) {
		t.Fatalf("first batch = %v, want [a]", got)
	}

	res, err := h.c.SpawnAgentsForWork(ctx, []*models.WorkItem{
		{ID: "again", ModuleID: "a"},
		{ID: "b1", ModuleID: "b"},
		{ID: "b2", ModuleID: "b"},
	})
	if err != nil {
		t.Fatalf("SpawnAgentsForWork() error = %v", err)
	}
	if got := res.Modules(); !slices.Equal(got, []string{"b"}) {
		t.Errorf("spawned = %v, want [b]", got)
	}
	if len(res.Rejected) != 2 {
		t.Fatalf("rejected = %d, want 2", len(res.Rejected))
	}
	for _, r := range res.Rejected {
		if !errors.Is(r.Err, ErrModuleInFlight) {
			t.Errorf("rejection of %s: %v, want ErrModuleInFlight", r.Item.ID, r.Err)
		}
	}
	if res.Rejected[0].Item.ID != "again" || res.Rejected[1].Item.ID != "b2" {
		t.Errorf("rejected items = %s, %s", res.Rejected[0].Item.ID, res.Rejected[1].Item.ID)
	}
	if n := len(h.c.Supervisor().ActiveAgentsForModule("a", "")); n != 1 {
		t.Errorf("live agents for a = %d, want 1", n)
	}
}

func TestFailureEscalatesAfterReassign(t *testing.T) {
	var (
		mu       sync.Mutex
		notified []Escalation
	)
	settings := testSettings()
	settings.MaxRetries = 0
	h := newHarness(t, newRoadmap(t, pending("a")...),
		WithSettings(settings),
		WithNotifier(NotifierFunc(func(_ context.Context, esc Escalation) error {
			mu.Lock()
			defer mu.Unlock()
			notified = append(notified, esc)
			return nil
		})),
	)
	ctx := context.Background()
	sup := h.c.Supervisor()

	original := agentFor(t, spawnModules(t, h.c, 1), "a")
	if err := sup.HandleSignal(ctx, supervisor.Signal{AgentID: original.ID, Kind: supervisor.SignalError, Message: "compile failed"}); err != nil {
		t.Fatalf("first error signal: %v", err)
	}

	live := sup.ActiveAgentsForModule("a", "")
	if len(live) != 1 || live[0].ID == original.ID {
		t.Fatalf("live agents after reassign = %+v", live)
	}
	replacement := live[0]
	o, _ := h.c.Orchestrator()
	if !slices.Equal(o.ActiveAgents, []string{replacement.ID}) {
		t.Errorf("ActiveAgents = %v, want [%s]", o.ActiveAgents, replacement.ID)
	}

	if err := sup.HandleSignal(ctx, supervisor.Signal{AgentID: replacement.ID, Kind: supervisor.SignalError, Message: "still failing"}); err != nil {
		t.Fatalf("second error signal: %v", err)
	}

	var esc Escalation
	select {
	case esc = <-h.c.Escalations():
	case <-time.After(2 * time.Second):
		t.Fatal("no escalation raised")
	}
	if esc.Type != EscalationAgentFailed || esc.ModuleID != "a" || esc.AgentID != replacement.ID {
		t.Errorf("escalation = %+v", esc)
	}
	if esc.LastError != "still failing" {
		t.Errorf("LastError = %q", esc.LastError)
	}
	if esc.FailureContext[models.FailureKeyReassignedFrom] != original.ID {
		t.Errorf("failure context = %v, want reassignedFrom %s", esc.FailureContext, original.ID)
	}
	mu.Lock()
	if len(notified) != 1 {
		t.Errorf("notifier called %d times, want 1", len(notified))
	}
	mu.Unlock()

	s, _ := h.c.GetProgressSummary()
	if s.Queue.Failed != 1 || s.Queue.InProgress != 0 {
		t.Errorf("queue = %+v, want 1 failed", s.Queue)
	}
	o, _ = h.c.Orchestrator()
	if len(o.ActiveAgents) != 0 {
		t.Errorf("ActiveAgents = %v, want none", o.ActiveAgents)
	}

	items, _ := h.c.GetNextWorkItems(ctx, 5)
	if len(items) != 0 {
		t.Errorf("escalated module offered again: %+v", items)
	}

	if err := h.c.RetryModule(ctx, "a"); err != nil {
		t.Fatalf("RetryModule() error = %v", err)
	}
	if err := h.c.RetryModule(ctx, "a"); err == nil {
		t.Error("second RetryModule() should fail with nothing left to retry")
	}
	items, _ = h.c.GetNextWorkItems(ctx, 5)
	if len(items) != 1 || items[0].ModuleID != "a" {
		t.Fatalf("after retry items = %+v, want a", items)
	}

	if err := h.c.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	failed := eventsOf(h.c.Events(), events.WorkFailed)
	if len(failed) != 1 || failed[0].AgentID != replacement.ID {
		t.Errorf("work:failed events = %+v", failed)
	}
	if n := len(eventsOf(h.c.Events(), events.FailureReassign)); n != 1 {
		t.Errorf("failure:reassign events = %d, want 1", n)
	}
}

func TestPauseResumeShutdown(t *testing.T) {
	h := newHarness(t, newRoadmap(t, pending("a", "b", "c")...))
	ctx := context.Background()

	if err := h.c.Resume(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume() while active error = %v, want ErrInvalidTransition", err)
	}
	if err := h.c.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if h.c.Status() != models.OrchestratorPaused {
		t.Fatalf("Status() = %s, want paused", h.c.Status())
	}
	if err := h.c.Pause(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Pause() while paused error = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.c.RunAutonomousCycle(ctx); !errors.Is(err, ErrPaused) {
		t.Errorf("RunAutonomousCycle() while paused error = %v, want ErrPaused", err)
	}
	if _, err := h.c.SpawnAgentsForWork(ctx, []*models.WorkItem{{ModuleID: "a"}}); !errors.Is(err, ErrPaused) {
		t.Errorf("SpawnAgentsForWork() while paused error = %v, want ErrPaused", err)
	}
	if err := h.c.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	res := spawnModules(t, h.c, 2)
	if err := h.c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if h.c.Status() != models.OrchestratorTerminated {
		t.Fatalf("Status() = %s, want terminated", h.c.Status())
	}
	for _, a := range res.Agents {
		got, err := h.c.Supervisor().GetAgent(a.ID)
		if err != nil || got.Status != models.AgentStatusTerminated {
			t.Errorf("agent %s = %+v, %v; want terminated", a.ID, got, err)
		}
	}
	if err := h.c.Shutdown(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Shutdown() error = %v, want ErrInvalidTransition", err)
	}
	if err := h.c.Resume(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume() after shutdown error = %v, want ErrInvalidTransition", err)
	}
	if err := h.c.Run(ctx, time.Millisecond); err != nil {
		t.Errorf("Run() after shutdown error = %v, want nil", err)
	}

	var types []events.Type
	for _, e := range h.c.Events() {
		if e.Topic() == events.TopicOrchestrator {
			types = append(types, e.Type)
		}
	}
	want := []events.Type{
		events.OrchestratorInitialized,
		events.OrchestratorPaused,
		events.OrchestratorResumed,
		events.OrchestratorTerminated,
	}
	if !slices.Equal(types, want) {
		t.Errorf("orchestrator events = %v, want %v", types, want)
	}

	db, err := state.OpenSystem(h.stateDir, "billing")
	if err != nil {
		t.Fatalf("OpenSystem() error = %v", err)
	}
	defer db.Close()
	doc, err := db.LoadOrchestrator(ctx, "billing")
	if err != nil {
		t.Fatalf("LoadOrchestrator() error = %v", err)
	}
	if doc.Status != models.OrchestratorTerminated || len(doc.ActiveAgents) != 0 {
		t.Errorf("persisted = %s with agents %v, want terminated with none", doc.Status, doc.ActiveAgents)
	}
	q, err := db.LoadWorkQueue(ctx, doc.ID)
	if err != nil {
		t.Fatalf("LoadWorkQueue() error = %v", err)
	}
	if got := q.Counts(); got.Pending != 2 || got.InProgress != 0 {
		t.Errorf("persisted queue = %+v, want 2 pending", got)
	}
}

func TestInitializeOrchestrator_Resumes(t *testing.T) {
	h := newHarness(t, newRoadmap(t, pending("a", "b")...))
	ctx := context.Background()

	a := agentFor(t, spawnModules(t, h.c, 1), "a")
	before, _ := h.c.Orchestrator()
	if err := h.c.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := h.c.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if h.c.Status() != models.OrchestratorPaused {
		t.Errorf("Close() changed status to %s", h.c.Status())
	}

	c2 := h.open(t)
	after, err := c2.Orchestrator()
	if err != nil {
		t.Fatalf("Orchestrator() error = %v", err)
	}
	if after.ID != before.ID {
		t.Errorf("resumed ID = %s, want %s", after.ID, before.ID)
	}
	if after.Status != models.OrchestratorActive {
		t.Errorf("resumed status = %s, want active", after.Status)
	}
	if !slices.Equal(after.ModulesCompleted, before.ModulesCompleted) ||
		!slices.Equal(after.ModulesInProgress, before.ModulesInProgress) ||
		!slices.Equal(after.ModulesPending, before.ModulesPending) {
		t.Errorf("partition changed: %+v -> %+v", before, after)
	}
	if len(after.ActiveAgents) != 0 {
		t.Errorf("ActiveAgents = %v, want none after restart", after.ActiveAgents)
	}

	restored, err := c2.Supervisor().GetAgent(a.ID)
	if err != nil {
		t.Fatalf("restored agent: %v", err)
	}
	if restored.Status != models.AgentStatusTerminated {
		t.Errorf("restored agent status = %s, want terminated", restored.Status)
	}

	s, _ := c2.GetProgressSummary()
	if s.Queue.Pending != 1 || s.Queue.InProgress != 0 {
		t.Errorf("queue = %+v, want the interrupted item pending", s.Queue)
	}
	items, err := c2.GetNextWorkItems(ctx, 5)
	if err != nil {
		t.Fatalf("GetNextWorkItems() error = %v", err)
	}
	var requeued *models.WorkItem
	for _, item := range items {
		if item.ModuleID == "a" {
			requeued = item
		}
	}
	if requeued == nil || requeued.ID != a.ExecutionID {
		t.Errorf("requeued item = %+v, want ID %s", requeued, a.ExecutionID)
	}

	if err := c2.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	all := c2.Events()
	if len(all) == 0 || all[0].Type != events.OrchestratorInitialized {
		t.Fatalf("history not seeded: first event %v", all)
	}
	resumed := eventsOf(all, events.OrchestratorResumed)
	if len(resumed) != 1 || resumed[0].Payload["from"] != string(models.OrchestratorPaused) {
		t.Errorf("orchestrator:resumed events = %+v, want one from paused", resumed)
	}
}

func TestInitializeOrchestrator_TerminatedStartsFresh(t *testing.T) {
	h := newHarness(t, newRoadmap(t, pending("a")...))
	ctx := context.Background()
	old, _ := h.c.Orchestrator()
	if err := h.c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	c2 := h.open(t)
	o, _ := c2.Orchestrator()
	if o.ID == old.ID {
		t.Error("terminated orchestrator was resumed")
	}
	if o.Status != models.OrchestratorActive {
		t.Errorf("Status = %s, want active", o.Status)
	}
}

func TestRunAutonomousCycle(t *testing.T) {
	h := newHarness(t, newRoadmap(t, pending("m1", "m2", "m3", "m4", "m5", "m6", "m7")...))
	ctx := context.Background()

	first, err := h.c.RunAutonomousCycle(ctx)
	if err != nil {
		t.Fatalf("first cycle error = %v", err)
	}
	if first.AgentsSpawned != DefaultCycleSize || first.CycleID == "" {
		t.Errorf("first cycle = %+v, want %d agents", first, DefaultCycleSize)
	}
	if first.Mode != string(models.ConcurrencyParallelThreads) {
		t.Errorf("first cycle mode = %s, want parallel-threads", first.Mode)
	}

	second, err := h.c.RunAutonomousCycle(ctx)
	if err != nil {
		t.Fatalf("second cycle error = %v", err)
	}
	if second.AgentsSpawned != 2 || len(second.Rejected) != 0 {
		t.Errorf("second cycle = %+v, want 2 agents", second)
	}
	seen := append(slices.Clone(first.Modules), second.Modules...)
	slices.Sort(seen)
	if !slices.Equal(seen, []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"}) {
		t.Errorf("modules across cycles = %v", seen)
	}

	third, err := h.c.RunAutonomousCycle(ctx)
	if err != nil {
		t.Fatalf("third cycle error = %v", err)
	}
	if third.AgentsSpawned != 0 || third.CycleID != "" {
		t.Errorf("third cycle = %+v, want empty", third)
	}
}

func TestRunAutonomousCycle_DispatchesToExecutor(t *testing.T) {
	rm := newRoadmap(t,
		roadmap.Module{ID: "a", Status: roadmap.StatusPending, Files: []string{"a.go"}},
		roadmap.Module{ID: "b", Status: roadmap.StatusPending, Files: []string{"b.go"}},
		roadmap.Module{ID: "c", Status: roadmap.StatusPending, DependsOn: []string{"a", "b"}},
	)
	exec := supervisor.ExecutorFunc(func(ctx context.Context, run supervisor.Run, sink supervisor.SignalSink) error {
		return sink.Send(ctx, supervisor.Signal{Kind: supervisor.SignalComplete})
	})
	h := newHarness(t, rm, WithExecutor(exec))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, want := range [][]string{{"a", "b"}, {"c"}} {
		res, err := h.c.RunAutonomousCycle(ctx)
		if err != nil {
			t.Fatalf("RunAutonomousCycle() error = %v", err)
		}
		got := slices.Clone(res.Modules)
		slices.Sort(got)
		if !slices.Equal(got, want) {
			t.Fatalf("cycle modules = %v, want %v", got, want)
		}
		if err := h.c.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	s, err := h.c.GetProgressSummary()
	if err != nil {
		t.Fatalf("GetProgressSummary() error = %v", err)
	}
	if s.ModulesCompleted != 3 || s.PercentComplete != 100 {
		t.Errorf("summary = %+v, want all 3 complete", s)
	}
	if s.ActiveAgents != 0 || s.Agents.ActiveCount != 0 {
		t.Errorf("agents still live: %+v", s.Agents)
	}
}

func TestRun_StopsWithContext(t *testing.T) {
	h := newHarness(t, newRoadmap(t, pending("a")...))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := h.c.Run(ctx, 10*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
	o, _ := h.c.Orchestrator()
	if !slices.Equal(o.ModulesInProgress, []string{"a"}) || len(o.ActiveAgents) != 1 {
		t.Errorf("after Run: in progress %v, agents %v; want a with one agent", o.ModulesInProgress, o.ActiveAgents)
	}
}

func TestSubscribe_ReceivesWorkEvents(t *testing.T) {
	h := newHarness(t, newRoadmap(t, pending("a")...))
	ch := h.c.Subscribe(events.TopicWork, 8)

	spawnModules(t, h.c, 1)

	select {
	case e := <-ch:
		if e.Type != events.WorkAssigned || e.ModuleID != "a" {
			t.Errorf("event = %+v, want work:assigned for a", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no work event delivered")
	}

	if err := h.c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for range ch {
	}
}

func TestGetProgressSummary(t *testing.T) {
	h := newHarness(t, newRoadmap(t,
		roadmap.Module{ID: "core", Status: roadmap.StatusComplete},
		roadmap.Module{ID: "a", Status: roadmap.StatusPending},
		roadmap.Module{ID: "b", Status: roadmap.StatusPending},
		roadmap.Module{ID: "c", Status: roadmap.StatusPending},
	))
	s, err := h.c.GetProgressSummary()
	if err != nil {
		t.Fatalf("GetProgressSummary() error = %v", err)
	}
	if s.SystemID != "billing" || s.Status != models.OrchestratorActive {
		t.Errorf("summary = %+v", s)
	}
	if s.ModulesTotal != 4 || s.ModulesCompleted != 1 || s.ModulesPending != 3 {
		t.Errorf("module counts = %d/%d/%d", s.ModulesCompleted, s.ModulesPending, s.ModulesTotal)
	}
	if s.PercentComplete != 25 {
		t.Errorf("PercentComplete = %v, want 25", s.PercentComplete)
	}
	if s.LastDecision != nil {
		t.Errorf("LastDecision = %+v before any spawn", s.LastDecision)
	}

	if got := percent(0, 0); got != 0 {
		t.Errorf("percent(0, 0) = %v, want 0", got)
	}
}

func TestSettingsFromConfig(t *testing.T) {
	s := SettingsFromConfig(config.Default())
	if s.CycleSize != DefaultCycleSize || s.CycleInterval != DefaultCycleInterval {
		t.Errorf("cycle = %d/%s", s.CycleSize, s.CycleInterval)
	}
	if s.MaxRetries != 3 || s.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("agents = %d retries, %s timeout", s.MaxRetries, s.HeartbeatTimeout)
	}

	z := Settings{}.withDefaults()
	if z.CycleSize != DefaultCycleSize || z.EventBuffer != events.DefaultBufferSize {
		t.Errorf("withDefaults() = %+v", z)
	}
	if z.MaxRetries != 0 || z.RetryDelay != 0 {
		t.Errorf("withDefaults() overrode explicit zero retries: %+v", z)
	}
	if got := z.worktreeRoot("/srv/app"); got != filepath.Join("/srv/app", ".foreman", "worktrees") {
		t.Errorf("worktreeRoot() = %q", got)
	}
}
