// Package supervisor owns the lifecycle of ephemeral agents and their
// retry, reassign and escalate failure cascade.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// Defaults for Config.
const (
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 2 * time.Minute
	DefaultMaxParallel       = 8
)

var (
	// ErrAgentNotFound is returned for unknown agent IDs.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrInvalidTransition is returned when a signal would break the agent state machine.
	ErrInvalidTransition = errors.New("invalid agent transition")
	// ErrNoExecutor is returned by Dispatch when no Executor is configured.
	ErrNoExecutor = errors.New("no executor configured")
)

// Config holds supervisor tuning.
type Config struct {
	// OrchestratorID stamps agents and events.
	OrchestratorID string
	// DefaultMaxRetries is the retry budget when a spawn request does not set one.
	DefaultMaxRetries int
	// RetryDelay is the wait between a failure and the in-place respawn.
	// Zero respawns synchronously.
	RetryDelay time.Duration
	// HeartbeatInterval is how often the monitor scans agents.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how stale a heartbeat may get before the agent is failed.
	HeartbeatTimeout time.Duration
	// MaxParallel bounds parallel-threads dispatch.
	MaxParallel int
}

// DefaultConfig returns the standard supervisor tuning.
func DefaultConfig() Config {
	return Config{
		DefaultMaxRetries: DefaultMaxRetries,
		RetryDelay:        DefaultRetryDelay,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		MaxParallel:       DefaultMaxParallel,
	}
}

// WorktreeProvider hands out per-module isolated workspaces.
type WorktreeProvider interface {
	CreateWorktree(ctx context.Context, moduleID string) (*models.Worktree, error)
}

// LifecycleHandler is told about outcomes that matter to the coordinator.
// Calls happen outside the supervisor lock.
type LifecycleHandler interface {
	AgentCompleted(ctx context.Context, agent *models.Agent)
	AgentFailed(ctx context.Context, agent *models.Agent)
	AgentReassigned(ctx context.Context, from, to *models.Agent)
}

// Logger is the debug log sink.
type Logger interface {
	Log(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Log(string, ...interface{}) {}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithIsolator enables per-module worktrees. Without it agents run unisolated.
func WithIsolator(p WorktreeProvider) Option {
	return func(s *Supervisor) { s.isolator = p }
}

// WithExecutor sets the execution engine used by Dispatch.
func WithExecutor(e Executor) Option {
	return func(s *Supervisor) { s.executor = e }
}

// WithSink sets where events go.
func WithSink(sink events.Sink) Option {
	return func(s *Supervisor) { s.sink = sink }
}

// WithLifecycle sets the outcome handler.
func WithLifecycle(h LifecycleHandler) Option {
	return func(s *Supervisor) { s.lifecycle = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithLogger sets the debug logger.
func WithLogger(l Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithResourceEstimator sets the resource check used by DecideConcurrencyMode.
func WithResourceEstimator(r ResourceEstimator) Option {
	return func(s *Supervisor) { s.resources = r }
}

// SpawnRequest describes the agent to create.
type SpawnRequest struct {
	ModuleID string
	LoopID   string
	Scope    string
	// MaxRetries overrides the default budget when positive.
	MaxRetries  int
	ExecutionID string
	// FailureContext seeds the agent's failure context.
	FailureContext map[string]any
}

// runHandle tracks one executor invocation.
type runHandle struct {
	gen    int
	cancel context.CancelFunc
}

// Supervisor owns every agent record. All mutation happens under mu.
type Supervisor struct {
	cfg       Config
	isolator  WorktreeProvider
	executor  Executor
	sink      events.Sink
	lifecycle LifecycleHandler
	resources ResourceEstimator
	logger    Logger
	now       func() time.Time

	mu         sync.Mutex
	agents     map[string]*models.Agent
	gens       map[string]int
	runs       map[string]*runHandle
	timers     map[string]*time.Timer
	replacedBy map[string]string
	settling   map[string]bool
	changed    chan struct{}

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New creates a Supervisor.
func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}

	s := &Supervisor{
		cfg:        cfg,
		sink:       events.Discard,
		logger:     nopLogger{},
		now:        time.Now,
		agents:     make(map[string]*models.Agent),
		gens:       make(map[string]int),
		runs:       make(map[string]*runHandle),
		timers:     make(map[string]*time.Timer),
		replacedBy: make(map[string]string),
		settling:   make(map[string]bool),
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// SpawnAgent creates an agent for the module, requests its worktree and
// moves it to active.
func (s *Supervisor) SpawnAgent(ctx context.Context, req SpawnRequest) (*models.Agent, error) {
	if req.ModuleID == "" {
		return nil, errors.New("spawn agent: module ID is required")
	}
	loopID := req.LoopID
	if loopID == "" {
		loopID = models.DefaultLoopID
	}
	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}

	var wt *models.Worktree
	if s.isolator != nil {
		var err error
		wt, err = s.isolator.CreateWorktree(ctx, req.ModuleID)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	a := &models.Agent{
		ID:             uuid.NewString(),
		OrchestratorID: s.cfg.OrchestratorID,
		ModuleID:       req.ModuleID,
		LoopID:         loopID,
		Scope:          req.Scope,
		ExecutionID:    req.ExecutionID,
		Status:         models.AgentStatusSpawning,
		MaxRetries:     maxRetries,
		FailureContext: models.CloneFailureContext(req.FailureContext),
		SpawnedAt:      now,
		LastHeartbeat:  now,
	}
	if wt != nil {
		a.WorktreePath = wt.Path
		a.Branch = wt.Branch
	}

	s.mu.Lock()
	s.agents[a.ID] = a
	s.gens[a.ID] = 0
	out := []events.Event{
		s.agentEvent(events.AgentSpawned, a).With("loop_id", loopID).With("scope", req.Scope),
	}
	a.Status = models.AgentStatusActive
	a.StartedAt = &now
	out = append(out, s.agentEvent(events.AgentStarted, a).With("worktree", a.WorktreePath))
	snapshot := a.Clone()
	s.notifyLocked()
	s.mu.Unlock()

	s.emit(out)
	s.logger.Log("[supervisor] spawned agent %s for module %s (loop=%s, maxRetries=%d)", a.ID, a.ModuleID, loopID, maxRetries)
	return snapshot, nil
}

// GetAgent returns a snapshot of the agent.
func (s *Supervisor) GetAgent(id string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a.Clone(), nil
}

// ListAgents returns snapshots of every agent ordered by spawn time.
func (s *Supervisor) ListAgents() []*models.Agent {
	s.mu.Lock()
	out := make([]*models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SpawnedAt.Equal(out[j].SpawnedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SpawnedAt.Before(out[j].SpawnedAt)
	})
	return out
}

// ActiveAgentsForModule returns live agents for the module, excluding exceptID.
// Blocked agents count as live here since they still own the module.
func (s *Supervisor) ActiveAgentsForModule(moduleID, exceptID string) []*models.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Agent
	for _, a := range s.agents {
		if a.ModuleID != moduleID || a.ID == exceptID {
			continue
		}
		if a.Status.IsLive() || a.Status == models.AgentStatusBlocked {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Restore loads previously persisted agents without emitting events.
// Agents that were mid-flight are marked terminated since their processes are gone.
func (s *Supervisor) Restore(agents []*models.Agent) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range agents {
		c := a.Clone()
		if !c.Status.IsTerminal() {
			c.Status = models.AgentStatusTerminated
			c.CompletedAt = &now
			c.LastError = "supervisor restarted"
		}
		s.agents[c.ID] = c
	}
	s.notifyLocked()
}

// TerminateAgent stops the agent from any non-terminal state, cancelling its
// run if one is executing. The worktree is left as-is.
// Terminating an agent that already finished is a no-op.
func (s *Supervisor) TerminateAgent(id string) error {
	s.mu.Lock()
	a, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if a.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	from := a.Status
	s.stopRunLocked(id)
	now := s.now()
	a.Status = models.AgentStatusTerminated
	a.CompletedAt = &now
	ev := s.agentEvent(events.AgentTerminated, a).With("from", string(from))
	s.notifyLocked()
	s.mu.Unlock()

	s.emit([]events.Event{ev})
	s.logger.Log("[supervisor] terminated agent %s (was %s)", id, from)
	return nil
}

// Summary counts agents by status and by module.
type Summary struct {
	Total       int                        `json:"total" yaml:"total"`
	ActiveCount int                        `json:"active_count" yaml:"active_count"`
	ByStatus    map[models.AgentStatus]int `json:"by_status" yaml:"by_status"`
	ByModule    map[string]int             `json:"by_module" yaml:"by_module"`
}

// GetSummary returns counts over every agent record.
func (s *Supervisor) GetSummary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make([]*models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	return Summarize(agents)
}

// Summarize counts agents by status and by module.
func Summarize(agents []*models.Agent) Summary {
	sum := Summary{
		Total:    len(agents),
		ByStatus: make(map[models.AgentStatus]int),
		ByModule: make(map[string]int),
	}
	for _, a := range agents {
		sum.ByStatus[a.Status]++
		sum.ByModule[a.ModuleID]++
		if a.Status.IsLive() {
			sum.ActiveCount++
		}
	}
	return sum
}

// stopRunLocked cancels any executing run and pending retry timer.
func (s *Supervisor) stopRunLocked(id string) {
	if h, ok := s.runs[id]; ok {
		h.cancel()
		delete(s.runs, id)
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// notifyLocked wakes every goroutine waiting for an agent state change.
func (s *Supervisor) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Supervisor) agentEvent(t events.Type, a *models.Agent) events.Event {
	return events.New(t, s.cfg.OrchestratorID).WithAgent(a.ID).WithModule(a.ModuleID)
}

func (s *Supervisor) emit(out []events.Event) {
	for _, e := range out {
		s.sink.Emit(e)
	}
}
