package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/internal/git"
	"github.com/ShayCichocki/foreman/internal/roadmap"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/internal/supervisor"
	"github.com/ShayCichocki/foreman/internal/workspace"
	"github.com/ShayCichocki/foreman/pkg/models"
)

var (
	// ErrNotInitialized is returned by every operation before InitializeOrchestrator.
	ErrNotInitialized = errors.New("orchestrator not initialized")
	// ErrAlreadyInitialized is returned by a second InitializeOrchestrator call.
	ErrAlreadyInitialized = errors.New("orchestrator already initialized")
	// ErrModuleInFlight rejects a work item whose module already has one in progress.
	ErrModuleInFlight = errors.New("module already has work in progress")
	// ErrInvalidTransition is returned when a status change breaks the state machine.
	ErrInvalidTransition = errors.New("invalid orchestrator transition")
	// ErrPaused is returned when new work is requested while paused.
	ErrPaused = errors.New("orchestrator is paused")
	// ErrTerminated is returned when new work is requested after shutdown.
	ErrTerminated = errors.New("orchestrator is terminated")
)

// Coordinator owns the Orchestrator document of one system, its work queue,
// and the supervisor and isolator serving it. All document and queue
// mutation happens under mu.
type Coordinator struct {
	req    RequiredConfig
	opts   coordinatorOptions
	logger *DebugLogger

	escalations chan Escalation

	mu           sync.Mutex
	orch         *models.Orchestrator
	queue        *models.WorkQueue
	lastDecision *supervisor.ConcurrencyDecision
	store        state.StateStore
	ownsStore    bool
	sup          *supervisor.Supervisor
	iso          *workspace.Isolator
	emitter      *events.Emitter
	log          *events.Log
	bus          *events.Bus
	closing      bool
	closed       bool

	runCtx     context.Context
	runCancel  context.CancelFunc
	dispatchWG sync.WaitGroup
	drainDone  chan struct{}
}

// New creates a Coordinator. Nothing touches disk or git until InitializeOrchestrator.
func New(req RequiredConfig, opts ...Option) (*Coordinator, error) {
	if req.Roadmap == nil {
		return nil, errors.New("orchestrator: roadmap is required")
	}
	o := coordinatorOptions{settings: DefaultSettings()}
	for _, opt := range opts {
		opt(&o)
	}
	o.settings = o.settings.withDefaults()
	if o.gitFactory == nil {
		o.gitFactory = git.NewFactory(o.settings.GitTimeout)
	}
	if req.StateDir == "" {
		req.StateDir = state.DefaultStateDir()
	}

	c := &Coordinator{
		req:         req,
		opts:        o,
		logger:      o.logger,
		escalations: make(chan Escalation, escalationBuffer),
	}
	if c.logger == nil {
		c.logger = NopLogger()
	}
	return c, nil
}

// Settings returns the effective tuning.
func (c *Coordinator) Settings() Settings {
	return c.opts.settings
}

// InitializeOrchestrator loads the system's persisted orchestrator and
// resumes it, or creates a fresh one synchronised from the roadmap.
// A terminated document is not resumed: a new orchestrator takes its place.
func (c *Coordinator) InitializeOrchestrator(ctx context.Context, systemID, systemPath string) (*models.Orchestrator, error) {
	if systemID == "" {
		return nil, errors.New("initialize orchestrator: system ID is required")
	}
	absPath, err := filepath.Abs(systemPath)
	if err != nil {
		return nil, fmt.Errorf("resolve system path: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orch != nil {
		return nil, ErrAlreadyInitialized
	}

	store := c.opts.store
	if store == nil {
		db, err := state.OpenSystem(c.req.StateDir, systemID)
		if err != nil {
			return nil, fmt.Errorf("open state for %s: %w", systemID, err)
		}
		store, c.ownsStore = db, true
	}
	fail := func(err error) (*models.Orchestrator, error) {
		if c.ownsStore {
			store.Close()
		}
		return nil, err
	}

	doc, err := store.LoadOrchestrator(ctx, systemID)
	if err != nil {
		return fail(err)
	}

	var (
		orch     *models.Orchestrator
		queue    = models.NewWorkQueue()
		restored []*models.Agent
		history  []events.Event
		resumed  = doc != nil && doc.Status != models.OrchestratorTerminated
		previous models.OrchestratorStatus
	)
	if resumed {
		orch, previous = doc, doc.Status
		if queue, err = store.LoadWorkQueue(ctx, orch.ID); err != nil {
			return fail(err)
		}
		if restored, err = store.ListAgents(ctx, orch.ID); err != nil {
			return fail(err)
		}
		if history, err = store.ListEvents(ctx, orch.ID, time.Time{}); err != nil {
			return fail(err)
		}
		c.logger.Log("[orchestrator] resuming %s for system %s (was %s, %d agents, %d events)",
			orch.ID, systemID, previous, len(restored), len(history))
	} else {
		if doc != nil {
			c.logger.Log("[orchestrator] previous orchestrator %s for %s is terminated, starting a new one", doc.ID, systemID)
		}
		now := time.Now()
		orch = &models.Orchestrator{
			ID:           uuid.NewString(),
			SystemID:     systemID,
			SystemPath:   absPath,
			Status:       models.OrchestratorInitializing,
			MainBranch:   detectMainBranch(ctx, c.opts.gitFactory(absPath)),
			WorktreeRoot: c.opts.settings.worktreeRoot(absPath),
			CreatedAt:    now,
			LastActiveAt: now,
		}
		if err := syncModules(ctx, c.req.Roadmap, orch); err != nil {
			return fail(err)
		}
	}

	s := c.opts.settings
	emitter := events.NewEmitter(s.EventBuffer)
	iso, err := workspace.New(workspace.Config{
		RepoPath:       orch.SystemPath,
		WorktreeRoot:   orch.WorktreeRoot,
		MainBranch:     orch.MainBranch,
		BranchPrefix:   s.BranchPrefix,
		CoAuthor:       s.CoAuthor,
		OrchestratorID: orch.ID,
	}, workspace.WithGitFactory(c.opts.gitFactory), workspace.WithSink(emitter))
	if err != nil {
		return fail(err)
	}

	supOpts := []supervisor.Option{
		supervisor.WithIsolator(iso),
		supervisor.WithSink(emitter),
		supervisor.WithLifecycle(lifecycle{c}),
		supervisor.WithLogger(c.logger),
	}
	if c.opts.executor != nil {
		supOpts = append(supOpts, supervisor.WithExecutor(c.opts.executor))
	}
	if c.opts.resources != nil {
		supOpts = append(supOpts, supervisor.WithResourceEstimator(c.opts.resources))
	}
	sup := supervisor.New(supervisor.Config{
		OrchestratorID:    orch.ID,
		DefaultMaxRetries: s.MaxRetries,
		RetryDelay:        s.RetryDelay,
		HeartbeatInterval: s.HeartbeatInterval,
		HeartbeatTimeout:  s.HeartbeatTimeout,
		MaxParallel:       s.MaxParallel,
	}, supOpts...)

	c.orch, c.queue, c.store = orch, queue, store
	c.iso, c.sup, c.emitter = iso, sup, emitter
	c.log, c.bus = events.NewLog(history...), events.NewBus()
	c.runCtx, c.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	c.drainDone = make(chan struct{})
	go c.drain()

	// Worktrees outlive orchestrators, including terminated ones.
	if n, err := iso.Recover(ctx); err != nil {
		log.Printf("[orchestrator] WARNING: worktree recovery failed for %s: %v", systemID, err)
	} else {
		c.logger.Log("[orchestrator] recovered %d worktrees", n)
	}

	if resumed {
		sup.Restore(restored)
		c.reconcileLocked()
		orch.Status = models.OrchestratorActive
		c.emitter.Emit(c.event(events.OrchestratorResumed).With("from", string(previous)))
	} else {
		orch.Status = models.OrchestratorActive
		c.emitter.Emit(c.event(events.OrchestratorInitialized).
			With("system_id", systemID).
			With("main_branch", orch.MainBranch).
			With("modules", orch.ModuleCount()))
	}
	orch.LastActiveAt = time.Now()
	c.persistLocked(ctx)

	sup.Start(c.runCtx)
	c.logger.Log("[orchestrator] %s active for %s at %s (main=%s)", orch.ID, systemID, orch.SystemPath, orch.MainBranch)
	return orch.Clone(), nil
}

// detectMainBranch returns the checked out branch, or "main" when it cannot
// be determined.
func detectMainBranch(ctx context.Context, runner git.BranchOperations) string {
	branch, err := runner.CurrentBranch(ctx)
	if err != nil || branch == "" || branch == "HEAD" {
		return workspace.DefaultMainBranch
	}
	return branch
}

// syncModules fills the module lists from the roadmap's statuses.
func syncModules(ctx context.Context, rm roadmap.Roadmap, orch *models.Orchestrator) error {
	modules, err := rm.GetRoadmap(ctx)
	if err != nil {
		return fmt.Errorf("sync roadmap: %w", err)
	}
	for _, m := range modules {
		switch m.Status {
		case roadmap.StatusComplete:
			orch.MoveModule(m.ID, models.ModuleCompleted)
		case roadmap.StatusInProgress:
			orch.MoveModule(m.ID, models.ModuleInProgress)
		default:
			orch.MoveModule(m.ID, models.ModulePending)
		}
	}
	return nil
}

// reconcileLocked drops agents that did not survive a restart from the
// active list and returns their work to pending.
func (c *Coordinator) reconcileLocked() {
	for _, id := range append([]string(nil), c.orch.ActiveAgents...) {
		a, err := c.sup.GetAgent(id)
		if err != nil || a.Status.IsTerminal() {
			c.orch.RemoveActiveAgent(id)
		}
	}
	for _, item := range append([]*models.WorkItem(nil), c.queue.InProgress...) {
		if len(c.sup.ActiveAgentsForModule(item.ModuleID, "")) == 0 {
			c.queue.Enqueue(item)
			c.logger.Log("[orchestrator] requeued work %s for module %s", item.ID, item.ModuleID)
		}
	}
}

// readyLocked returns ErrNotInitialized until InitializeOrchestrator succeeds.
func (c *Coordinator) readyLocked() error {
	if c.orch == nil {
		return ErrNotInitialized
	}
	return nil
}

// schedulableLocked additionally refuses new work while paused or terminated.
func (c *Coordinator) schedulableLocked() error {
	if err := c.readyLocked(); err != nil {
		return err
	}
	switch c.orch.Status {
	case models.OrchestratorPaused:
		return ErrPaused
	case models.OrchestratorTerminated:
		return ErrTerminated
	}
	return nil
}

// persistLocked writes the document and the work queue. Failures are logged,
// never returned.
func (c *Coordinator) persistLocked(ctx context.Context) {
	if c.closed {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := c.store.SaveOrchestrator(ctx, c.orch); err != nil {
		log.Printf("[orchestrator] WARNING: failed to persist orchestrator %s: %v", c.orch.ID, err)
	}
	if err := c.store.SaveWorkQueue(ctx, c.orch.ID, c.queue); err != nil {
		log.Printf("[orchestrator] WARNING: failed to persist work queue for %s: %v", c.orch.ID, err)
	}
}

func (c *Coordinator) event(t events.Type) events.Event {
	return events.New(t, c.orch.ID)
}

// Orchestrator returns a copy of the current document.
func (c *Coordinator) Orchestrator() (*models.Orchestrator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return nil, err
	}
	return c.orch.Clone(), nil
}

// Status returns the orchestrator status, or "" before initialization.
func (c *Coordinator) Status() models.OrchestratorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orch == nil {
		return ""
	}
	return c.orch.Status
}

// LastDecision returns the concurrency decision of the latest spawn batch.
func (c *Coordinator) LastDecision() *supervisor.ConcurrencyDecision {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastDecision == nil {
		return nil
	}
	d := *c.lastDecision
	return &d
}

// Supervisor returns the agent supervisor, or nil before initialization.
func (c *Coordinator) Supervisor() *supervisor.Supervisor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sup
}

// Workspace returns the worktree isolator, or nil before initialization.
func (c *Coordinator) Workspace() *workspace.Isolator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iso
}

// Wait blocks until every dispatched agent batch has settled.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.dispatchWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches from the system without changing its status: running
// agents are cancelled, the heartbeat monitor stops, pending events are
// flushed and the document is persisted. A later InitializeOrchestrator
// resumes it.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.orch == nil || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	c.runCancel()
	c.dispatchWG.Wait()
	c.sup.Stop()

	c.mu.Lock()
	c.persistLocked(ctx)
	c.closed = true
	c.mu.Unlock()

	c.emitter.Close()
	<-c.drainDone
	c.bus.Close()

	if c.ownsStore {
		if err := c.store.Close(); err != nil {
			return fmt.Errorf("close state store: %w", err)
		}
	}
	c.logger.Log("[orchestrator] closed")
	return nil
}
