package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingSink) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type recordingLifecycle struct {
	mu         sync.Mutex
	completed  []string
	failed     []string
	reassigned [][2]string
}

func (r *recordingLifecycle) AgentCompleted(_ context.Context, a *models.Agent) {
	r.mu.Lock()
	r.completed = append(r.completed, a.ID)
	r.mu.Unlock()
}

func (r *recordingLifecycle) AgentFailed(_ context.Context, a *models.Agent) {
	r.mu.Lock()
	r.failed = append(r.failed, a.ID)
	r.mu.Unlock()
}

func (r *recordingLifecycle) AgentReassigned(_ context.Context, from, to *models.Agent) {
	r.mu.Lock()
	r.reassigned = append(r.reassigned, [2]string{from.ID, to.ID})
	r.mu.Unlock()
}

type fakeIsolator struct {
	created []string
	err     error
}

func (f *fakeIsolator) CreateWorktree(_ context.Context, moduleID string) (*models.Worktree, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, moduleID)
	return &models.Worktree{ModuleID: moduleID, Branch: "module/" + moduleID, Path: "/wt/" + moduleID}, nil
}

// worktreeFunc adapts a function to WorktreeProvider.
type worktreeFunc func(ctx context.Context, moduleID string) (*models.Worktree, error)

func (f worktreeFunc) CreateWorktree(ctx context.Context, moduleID string) (*models.Worktree, error) {
	return f(ctx, moduleID)
}

type harness struct {
	sup       *Supervisor
	sink      *recordingSink
	lifecycle *recordingLifecycle
	clock     *fakeClock
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		sink:      &recordingSink{},
		lifecycle: &recordingLifecycle{},
		clock:     newFakeClock(),
	}
	opts = append([]Option{
		WithSink(h.sink),
		WithLifecycle(h.lifecycle),
		WithClock(h.clock.Now),
	}, opts...)
	h.sup = New(cfg, opts...)
	t.Cleanup(h.sup.Stop)
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OrchestratorID = "orch-test"
	cfg.RetryDelay = 0
	return cfg
}

func TestSpawnAgent_WithIsolator(t *testing.T) {
	iso := &fakeIsolator{}
	h := newHarness(t, testConfig(), WithIsolator(iso))

	a, err := h.sup.SpawnAgent(context.Background(), SpawnRequest{ModuleID: "auth", Scope: "build login"})
	if err != nil {
		t.Fatalf("SpawnAgent() error = %v", err)
	}

	if a.Status != models.AgentStatusActive {
		t.Errorf("Status = %s, want active", a.Status)
	}
	if a.WorktreePath != "/wt/auth" || a.Branch != "module/auth" {
		t.Errorf("worktree = %q on %q", a.WorktreePath, a.Branch)
	}
	if a.LoopID != models.DefaultLoopID {
		t.Errorf("LoopID = %q, want %q", a.LoopID, models.DefaultLoopID)
	}
	if a.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", a.MaxRetries, DefaultMaxRetries)
	}
	if a.StartedAt == nil || a.CompletedAt != nil {
		t.Error("StartedAt should be set and CompletedAt unset")
	}
	if h.sink.count(events.AgentSpawned) != 1 || h.sink.count(events.AgentStarted) != 1 {
		t.Errorf("expected agent:spawned and agent:started, got %+v", h.sink.events)
	}
	if h.sink.events[0].Type != events.AgentSpawned {
		t.Error("agent:spawned must come first")
	}
}

func TestSpawnAgent_DegradedWithoutIsolator(t *testing.T) {
	h := newHarness(t, testConfig())

	a, err := h.sup.SpawnAgent(context.Background(), SpawnRequest{ModuleID: "auth"})
	if err != nil {
		t.Fatalf("SpawnAgent() error = %v", err)
	}
	if a.WorktreePath != "" || a.Branch != "" {
		t.Error("agent without isolator should have no workspace")
	}
}

func TestSpawnAgent_WorktreeErrorPropagates(t *testing.T) {
	boom := errors.New("git worktree add failed")
	h := newHarness(t, testConfig(), WithIsolator(&fakeIsolator{err: boom}))

	_, err := h.sup.SpawnAgent(context.Background(), SpawnRequest{ModuleID: "auth"})
	if !errors.Is(err, boom) {
		t.Fatalf("SpawnAgent() error = %v, want %v", err, boom)
	}
	if err.Error() != boom.Error() {
		t.Errorf("SpawnAgent() error = %q, want the isolator error unwrapped", err)
	}
	if got := h.sup.GetSummary().Total; got != 0 {
		t.Errorf("Total = %d, want no agent recorded", got)
	}
}

func TestDecideFailureAction(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       models.FailureAction
	}{
		{"first failure", 0, 3, models.FailureRetry},
		{"below budget", 2, 3, models.FailureRetry},
		{"at boundary", 3, 3, models.FailureReassign},
		{"beyond boundary", 4, 3, models.FailureEscalate},
		{"zero budget", 0, 0, models.FailureReassign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &models.Agent{RetryCount: tt.retryCount, MaxRetries: tt.maxRetries}
			if got := DecideFailureAction(a); got != tt.want {
				t.Errorf("DecideFailureAction() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReportError_RetryIncrementsByOne(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "auth", MaxRetries: 5})

	for want := 1; want <= 5; want++ {
		action, err := h.sup.ReportError(ctx, a.ID, "tests failed")
		if err != nil {
			t.Fatalf("ReportError() error = %v", err)
		}
		if action != models.FailureRetry {
			t.Fatalf("attempt %d: action = %s, want retry", want, action)
		}
		got, _ := h.sup.GetAgent(a.ID)
		if got.RetryCount != want {
			t.Fatalf("RetryCount = %d, want %d", got.RetryCount, want)
		}
		if got.Status != models.AgentStatusActive {
			t.Errorf("Status = %s, want active after in-place respawn", got.Status)
		}
	}
}

func TestFailureCascade_RetryRetryReassign(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "auth", Scope: "login", MaxRetries: 2})

	var actions []models.FailureAction
	for i := 0; i < 3; i++ {
		action, err := h.sup.ReportError(ctx, a.ID, "boom")
		if err != nil {
			t.Fatalf("error %d: %v", i+1, err)
		}
		actions = append(actions, action)
	}

	want := []models.FailureAction{models.FailureRetry, models.FailureRetry, models.FailureReassign}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("actions = %v, want %v", actions, want)
		}
	}

	old, _ := h.sup.GetAgent(a.ID)
	if old.Status != models.AgentStatusTerminated || old.CompletedAt == nil {
		t.Errorf("old agent = %s (completedAt %v), want terminated", old.Status, old.CompletedAt)
	}

	all := h.sup.ListAgents()
	if len(all) != 2 {
		t.Fatalf("agents = %d, want exactly one replacement", len(all))
	}
	replacement := all[1]
	if replacement.ID == a.ID {
		replacement = all[0]
	}
	if replacement.FailureContext[models.FailureKeyReassignedFrom] != a.ID {
		t.Errorf("reassignedFrom = %v, want %s", replacement.FailureContext[models.FailureKeyReassignedFrom], a.ID)
	}
	if errs, _ := replacement.FailureContext[models.FailureKeyPreviousErrors].([]string); len(errs) != 3 {
		t.Errorf("previousErrors = %v, want 3 entries", errs)
	}
	if replacement.ModuleID != "auth" || replacement.Scope != "login" || replacement.RetryCount != 0 {
		t.Errorf("replacement = %+v", replacement)
	}
	if replacement.Status != models.AgentStatusActive {
		t.Errorf("replacement status = %s, want active", replacement.Status)
	}

	if len(h.lifecycle.reassigned) != 1 || h.lifecycle.reassigned[0] != [2]string{a.ID, replacement.ID} {
		t.Errorf("reassigned callbacks = %v", h.lifecycle.reassigned)
	}
	if h.sink.count(events.FailureRetry) != 2 || h.sink.count(events.FailureReassign) != 1 {
		t.Error("expected two failure:retry and one failure:reassign events")
	}
	if h.sink.count(events.FailureEscalate) != 0 {
		t.Error("nothing should escalate yet")
	}
}

func TestFailureCascade_ReassignedAgentEscalates(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "auth", MaxRetries: 1})

	h.sup.ReportError(ctx, a.ID, "boom")
	if action, _ := h.sup.ReportError(ctx, a.ID, "boom"); action != models.FailureReassign {
		t.Fatalf("action = %s, want reassign", action)
	}
	replacementID := h.lifecycle.reassigned[0][1]

	if action, _ := h.sup.ReportError(ctx, replacementID, "again"); action != models.FailureRetry {
		t.Fatalf("replacement first failure = %s, want retry", action)
	}
	action, err := h.sup.ReportError(ctx, replacementID, "again")
	if err != nil {
		t.Fatal(err)
	}
	if action != models.FailureEscalate {
		t.Fatalf("replacement exhausted = %s, want escalate", action)
	}

	got, _ := h.sup.GetAgent(replacementID)
	if got.Status != models.AgentStatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got.CompletedAt != nil {
		t.Error("failed agent should not carry CompletedAt")
	}
	if len(h.lifecycle.failed) != 1 || h.lifecycle.failed[0] != replacementID {
		t.Errorf("failed callbacks = %v", h.lifecycle.failed)
	}
	if h.sink.count(events.FailureEscalate) != 1 {
		t.Error("expected one failure:escalate event")
	}
	if len(h.sup.ListAgents()) != 2 {
		t.Error("escalation must not spawn another agent")
	}

	if _, err := h.sup.ReportError(ctx, replacementID, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error after escalation = %v, want ErrInvalidTransition", err)
	}
}

func TestHandleSignal_StatusProgressBlocked(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "auth"})

	err := h.sup.HandleSignal(ctx, Signal{AgentID: a.ID, Kind: SignalProgress, Phase: "implement",
		Progress: models.Progress{PhasesCompleted: 1, PhasesTotal: 4, Percent: 25}})
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ := h.sup.GetAgent(a.ID)
	if got.Phase != "implement" || got.Progress.Percent != 25 {
		t.Errorf("agent = %+v", got)
	}

	if err := h.sup.HandleSignal(ctx, Signal{AgentID: a.ID, Kind: SignalBlocked, Message: "needs review"}); err != nil {
		t.Fatalf("blocked: %v", err)
	}
	if err := h.sup.Unblock(a.ID); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	got, _ = h.sup.GetAgent(a.ID)
	if got.Status != models.AgentStatusActive {
		t.Errorf("Status = %s, want active", got.Status)
	}

	err = h.sup.HandleSignal(ctx, Signal{AgentID: a.ID, Kind: SignalStatus, Status: models.AgentStatusSpawning})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("active -> spawning error = %v, want ErrInvalidTransition", err)
	}

	if h.sink.count(events.AgentProgress) != 1 || h.sink.count(events.AgentBlocked) != 1 || h.sink.count(events.AgentActive) != 1 {
		t.Errorf("unexpected events: %+v", h.sink.events)
	}
}

func TestHandleSignal_HeartbeatEmitsNothing(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "auth"})
	before := len(h.sink.events)

	h.clock.Advance(time.Minute)
	if err := h.sup.HandleSignal(ctx, Signal{AgentID: a.ID, Kind: SignalHeartbeat}); err != nil {
		t.Fatal(err)
	}

	got, _ := h.sup.GetAgent(a.ID)
	if !got.LastHeartbeat.Equal(h.clock.Now()) {
		t.Errorf("LastHeartbeat = %v, want %v", got.LastHeartbeat, h.clock.Now())
	}
	if len(h.sink.events) != before {
		t.Error("heartbeat must not emit events")
	}
}

func TestHandleSignal_Complete(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "auth"})

	if err := h.sup.HandleSignal(ctx, Signal{AgentID: a.ID, Kind: SignalComplete}); err != nil {
		t.Fatal(err)
	}
	got, _ := h.sup.GetAgent(a.ID)
	if got.Status != models.AgentStatusCompleted || got.CompletedAt == nil {
		t.Errorf("agent = %s / %v, want completed with timestamp", got.Status, got.CompletedAt)
	}
	if len(h.lifecycle.completed) != 1 {
		t.Error("lifecycle completion not called")
	}
	if err := h.sup.HandleSignal(ctx, Signal{AgentID: a.ID, Kind: SignalComplete}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second complete = %v, want ErrInvalidTransition", err)
	}
	if err := h.sup.HandleSignal(ctx, Signal{AgentID: "ghost", Kind: SignalHeartbeat}); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("unknown agent = %v, want ErrAgentNotFound", err)
	}
}

func TestCheckHeartbeats_TimesOutStaleAgents(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = time.Minute
	h := newHarness(t, cfg)
	ctx := context.Background()

	stale, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "a"})
	h.clock.Advance(50 * time.Second)
	fresh, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "b"})
	blocked, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "c"})
	h.sup.HandleSignal(ctx, Signal{AgentID: blocked.ID, Kind: SignalBlocked})
	h.clock.Advance(20 * time.Second)

	timedOut := h.sup.CheckHeartbeats(ctx)
	if len(timedOut) != 1 || timedOut[0] != stale.ID {
		t.Fatalf("timed out = %v, want [%s]", timedOut, stale.ID)
	}

	got, _ := h.sup.GetAgent(stale.ID)
	if got.LastError != HeartbeatTimeoutMessage || got.RetryCount != 1 {
		t.Errorf("stale agent = %+v", got)
	}
	if f, _ := h.sup.GetAgent(fresh.ID); f.RetryCount != 0 {
		t.Error("fresh agent should be untouched")
	}
}

func TestMonitor_StartStop(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.HeartbeatTimeout = time.Nanosecond
	h := newHarness(t, cfg, WithClock(time.Now))
	ctx := context.Background()

	a, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "a", MaxRetries: 100})
	h.sup.Start(ctx)
	h.sup.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		got, _ := h.sup.GetAgent(a.ID)
		if got.RetryCount > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("monitor never flagged the stale agent")
		case <-time.After(5 * time.Millisecond):
		}
	}
	h.sup.Stop()
	h.sup.Stop()
}

func TestTerminateAgent(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	a, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "auth"})
	h.sup.HandleSignal(ctx, Signal{AgentID: a.ID, Kind: SignalBlocked})

	if err := h.sup.TerminateAgent(a.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := h.sup.GetAgent(a.ID)
	if got.Status != models.AgentStatusTerminated || got.CompletedAt == nil {
		t.Errorf("agent = %s / %v", got.Status, got.CompletedAt)
	}
	if err := h.sup.TerminateAgent(a.ID); err != nil {
		t.Errorf("second terminate = %v, want nil", err)
	}
	if err := h.sup.TerminateAgent("ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("unknown terminate = %v", err)
	}
	if h.sink.count(events.AgentTerminated) != 1 {
		t.Error("expected exactly one agent:terminated event")
	}
}

func TestGetSummary(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	a, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "a"})
	b, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "a"})
	c, _ := h.sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "b"})
	h.sup.HandleSignal(ctx, Signal{AgentID: a.ID, Kind: SignalComplete})
	h.sup.HandleSignal(ctx, Signal{AgentID: b.ID, Kind: SignalBlocked})
	_ = c

	sum := h.sup.GetSummary()
	if sum.Total != 3 || sum.ActiveCount != 1 {
		t.Errorf("summary = %+v, want total 3 and one active", sum)
	}
	if sum.ByModule["a"] != 2 || sum.ByStatus[models.AgentStatusBlocked] != 1 {
		t.Errorf("summary = %+v", sum)
	}

	live := h.sup.ActiveAgentsForModule("a", "")
	if len(live) != 1 || live[0].ID != b.ID {
		t.Errorf("ActiveAgentsForModule(a) = %v, want blocked agent only", live)
	}
	if got := h.sup.ActiveAgentsForModule("b", c.ID); len(got) != 0 {
		t.Error("exceptID should be excluded")
	}
}

func TestRestore_MarksInFlightAgentsTerminated(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sup.Restore([]*models.Agent{
		{ID: "done", ModuleID: "a", Status: models.AgentStatusCompleted},
		{ID: "live", ModuleID: "b", Status: models.AgentStatusActive},
	})

	done, _ := h.sup.GetAgent("done")
	live, _ := h.sup.GetAgent("live")
	if done.Status != models.AgentStatusCompleted {
		t.Errorf("completed agent changed to %s", done.Status)
	}
	if live.Status != models.AgentStatusTerminated || live.CompletedAt == nil {
		t.Errorf("in-flight agent = %s, want terminated", live.Status)
	}
	if len(h.sink.events) != 0 {
		t.Error("restore must not emit events")
	}
}

func TestFailureCascade_TerminatedDuringReassign(t *testing.T) {
	var (
		sup    *Supervisor
		oldID  string
		spawns int
	)
	iso := worktreeFunc(func(_ context.Context, moduleID string) (*models.Worktree, error) {
		spawns++
		if spawns == 2 {
			// Shutdown reaches the failing agent while its replacement is set up.
			if err := sup.TerminateAgent(oldID); err != nil {
				t.Errorf("TerminateAgent() error = %v", err)
			}
		}
		return &models.Worktree{ModuleID: moduleID, Branch: "module/" + moduleID, Path: "/wt/" + moduleID}, nil
	})
	h := newHarness(t, testConfig(), WithIsolator(iso))
	sup = h.sup
	ctx := context.Background()

	a, err := sup.SpawnAgent(ctx, SpawnRequest{ModuleID: "auth", MaxRetries: 0})
	if err != nil {
		t.Fatal(err)
	}
	oldID = a.ID

	action, err := sup.ReportError(ctx, a.ID, "boom")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ReportError() = %s, %v; want ErrInvalidTransition", action, err)
	}

	for _, got := range sup.ListAgents() {
		if got.Status != models.AgentStatusTerminated {
			t.Errorf("agent %s = %s, want terminated", got.ID, got.Status)
		}
	}
	if n := len(sup.ListAgents()); n != 2 {
		t.Errorf("agents = %d, want the original and the discarded replacement", n)
	}
	if len(h.lifecycle.reassigned) != 0 {
		t.Errorf("reassigned callbacks = %v, want none", h.lifecycle.reassigned)
	}
	if len(h.lifecycle.failed) != 0 {
		t.Error("a terminated agent must not escalate")
	}
	if sup.GetSummary().ActiveCount != 0 {
		t.Error("no agent should be live after termination")
	}
}
