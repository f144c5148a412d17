package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/internal/roadmap"
	"github.com/ShayCichocki/foreman/internal/supervisor"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// GetNextWorkItems returns up to count work items for modules whose
// dependencies are satisfied, highest leverage first. Modules already
// completed, in flight, or escalated are left out. Ties keep roadmap order.
func (c *Coordinator) GetNextWorkItems(ctx context.Context, count int) ([]*models.WorkItem, error) {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	skip := make(map[string]bool)
	for _, id := range c.orch.ModulesCompleted {
		skip[id] = true
	}
	for _, item := range c.queue.InProgress {
		skip[item.ModuleID] = true
	}
	for _, item := range c.queue.Failed {
		skip[item.ModuleID] = true
	}
	pendingIDs := make(map[string]string, len(c.queue.Pending))
	for _, item := range c.queue.Pending {
		pendingIDs[item.ModuleID] = item.ID
	}
	loop := c.opts.settings.DefaultLoop
	c.mu.Unlock()

	if count <= 0 {
		return nil, nil
	}

	modules, err := c.req.Roadmap.GetNextAvailableModules(ctx)
	if err != nil {
		return nil, fmt.Errorf("get available modules: %w", err)
	}
	scores, err := c.req.Roadmap.CalculateLeverageScores(ctx)
	if err != nil {
		return nil, fmt.Errorf("calculate leverage: %w", err)
	}
	leverage := make(map[string]float64, len(scores))
	for _, s := range scores {
		leverage[s.ModuleID] = s.Score
	}

	items := make([]*models.WorkItem, 0, len(modules))
	for _, m := range modules {
		if skip[m.ID] {
			continue
		}
		id := pendingIDs[m.ID]
		if id == "" {
			id = uuid.NewString()
		}
		scope := m.Description
		if scope == "" {
			scope = m.ID
		}
		items = append(items, &models.WorkItem{
			ID:            id,
			ModuleID:      m.ID,
			LoopID:        loop,
			Scope:         scope,
			Priority:      m.Layer,
			LeverageScore: leverage[m.ID],
			Dependencies:  append([]string(nil), m.DependsOn...),
			Files:         append([]string(nil), m.Files...),
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].LeverageScore > items[j].LeverageScore
	})
	if len(items) > count {
		items = items[:count]
	}
	return items, nil
}

// Rejection records a work item SpawnAgentsForWork refused.
type Rejection struct {
	Item *models.WorkItem
	Err  error
}

// SpawnResult reports one SpawnAgentsForWork batch.
type SpawnResult struct {
	Agents   []*models.Agent
	Decision supervisor.ConcurrencyDecision
	Rejected []Rejection
}

// Modules returns the modules that received an agent.
func (r SpawnResult) Modules() []string {
	out := make([]string, 0, len(r.Agents))
	for _, a := range r.Agents {
		out = append(out, a.ModuleID)
	}
	return out
}

// SpawnAgentsForWork starts one agent per work item. An item whose module
// already has work in progress, in the queue or earlier in the same batch,
// is rejected with ErrModuleInFlight and the rest proceed. With an executor
// configured the spawned agents are dispatched in the decided concurrency
// mode. A workspace setup failure stops the batch and is returned; agents
// already spawned are kept.
func (c *Coordinator) SpawnAgentsForWork(ctx context.Context, items []*models.WorkItem) (SpawnResult, error) {
	var result SpawnResult

	c.mu.Lock()
	if err := c.schedulableLocked(); err != nil {
		c.mu.Unlock()
		return result, err
	}

	inFlight := make(map[string]bool)
	accepted := make([]*models.WorkItem, 0, len(items))
	for _, item := range items {
		if c.queue.FindInProgressByModule(item.ModuleID) != nil || inFlight[item.ModuleID] {
			result.Rejected = append(result.Rejected, Rejection{
				Item: item,
				Err:  fmt.Errorf("%w: %s", ErrModuleInFlight, item.ModuleID),
			})
			continue
		}
		inFlight[item.ModuleID] = true
		accepted = append(accepted, item)
	}

	result.Decision = c.sup.DecideConcurrencyMode(accepted)
	decision := result.Decision
	c.lastDecision = &decision
	c.logger.Log("[orchestrator] spawning %d agents (%d rejected): %s, %s",
		len(accepted), len(result.Rejected), decision.Mode, decision.Reasoning)

	var spawnErr error
	ids := make([]string, 0, len(accepted))
	for _, item := range accepted {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		c.queue.Start(item)
		agent, err := c.sup.SpawnAgent(ctx, supervisor.SpawnRequest{
			ModuleID:    item.ModuleID,
			LoopID:      item.LoopID,
			Scope:       item.Scope,
			ExecutionID: item.ID,
		})
		if err != nil {
			c.queue.Enqueue(item)
			spawnErr = fmt.Errorf("spawn agent for %s: %w", item.ModuleID, err)
			break
		}
		c.orch.AddActiveAgent(agent.ID)
		if b := c.orch.BucketOf(item.ModuleID); b == models.ModulePending || b == "" {
			c.orch.MoveModule(item.ModuleID, models.ModuleInProgress)
		}
		c.emitter.Emit(c.event(events.WorkAssigned).
			WithAgent(agent.ID).
			WithModule(item.ModuleID).
			With("work_item", item.ID).
			With("mode", string(decision.Mode)))
		result.Agents = append(result.Agents, agent)
		ids = append(ids, agent.ID)
	}
	c.orch.LastActiveAt = time.Now()
	c.persistLocked(ctx)
	if len(ids) > 0 && c.opts.executor != nil {
		c.dispatchLocked(ids, decision.Mode)
	}
	c.mu.Unlock()

	return result, spawnErr
}

// dispatchLocked runs the agents in the background under the coordinator's
// run context. Close waits for it.
func (c *Coordinator) dispatchLocked(ids []string, mode models.ConcurrencyMode) {
	if c.closing {
		return
	}
	c.dispatchWG.Add(1)
	go func() {
		defer c.dispatchWG.Done()
		if err := c.sup.Dispatch(c.runCtx, ids, mode); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[orchestrator] WARNING: dispatch of %d agents failed: %v", len(ids), err)
		}
	}()
}

// HandleAgentComplete closes the agent's work item and, once no other agent
// is live for the module, marks the module completed here and on the roadmap.
func (c *Coordinator) HandleAgentComplete(ctx context.Context, agentID string) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	a, err := c.sup.GetAgent(agentID)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	c.queue.Complete(a.ModuleID)
	c.orch.RemoveActiveAgent(agentID)
	moduleDone := len(c.sup.ActiveAgentsForModule(a.ModuleID, agentID)) == 0
	if moduleDone {
		c.orch.MoveModule(a.ModuleID, models.ModuleCompleted)
		c.emitter.Emit(c.event(events.WorkCompleted).WithAgent(agentID).WithModule(a.ModuleID))
	}
	c.orch.LastActiveAt = time.Now()
	c.persistLocked(ctx)
	c.mu.Unlock()

	c.logger.Log("[orchestrator] agent %s completed module %s (module done: %v)", agentID, a.ModuleID, moduleDone)
	if !moduleDone {
		return nil
	}
	if err := c.req.Roadmap.UpdateModuleStatus(ctx, a.ModuleID, roadmap.StatusComplete); err != nil {
		log.Printf("[orchestrator] WARNING: roadmap update for module %s failed: %v", a.ModuleID, err)
		return fmt.Errorf("mark %s complete on roadmap: %w", a.ModuleID, err)
	}
	return nil
}

// HandleAgentFailed fails the agent's work item and escalates. No further
// automated action is taken for the module.
func (c *Coordinator) HandleAgentFailed(ctx context.Context, agentID string) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	a, err := c.sup.GetAgent(agentID)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	item := c.queue.Fail(a.ModuleID)
	c.orch.RemoveActiveAgent(agentID)
	ev := c.event(events.WorkFailed).WithAgent(agentID).WithModule(a.ModuleID).With("error", a.LastError)
	if item != nil {
		ev = ev.With("work_item", item.ID)
	}
	c.emitter.Emit(ev)
	c.orch.LastActiveAt = time.Now()
	c.persistLocked(ctx)
	esc := newEscalation(c.orch.ID, a)
	c.mu.Unlock()

	c.logger.Log("[orchestrator] escalating module %s after agent %s failed: %s", a.ModuleID, agentID, a.LastError)
	c.raise(ctx, esc)
	return nil
}

// agentReassigned swaps the failed agent for its replacement in the active list.
func (c *Coordinator) agentReassigned(ctx context.Context, from, to *models.Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orch == nil {
		return
	}
	c.orch.RemoveActiveAgent(from.ID)
	c.orch.AddActiveAgent(to.ID)
	c.persistLocked(ctx)
}

// RetryModule returns an escalated module's work item to pending so the next
// cycle can pick it up again.
func (c *Coordinator) RetryModule(ctx context.Context, moduleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return err
	}
	for _, item := range c.queue.Failed {
		if item.ModuleID == moduleID {
			c.queue.Enqueue(item)
			c.persistLocked(ctx)
			c.logger.Log("[orchestrator] requeued escalated module %s", moduleID)
			return nil
		}
	}
	return fmt.Errorf("no failed work for module %s", moduleID)
}

// lifecycle routes supervisor outcomes into the coordinator. The supervisor
// may cancel the context it passes once the agent settles, so handlers run
// detached from it.
type lifecycle struct{ c *Coordinator }

func (l lifecycle) AgentCompleted(ctx context.Context, a *models.Agent) {
	if err := l.c.HandleAgentComplete(context.WithoutCancel(ctx), a.ID); err != nil {
		l.c.logger.Log("[orchestrator] handle completion of %s: %v", a.ID, err)
	}
}

func (l lifecycle) AgentFailed(ctx context.Context, a *models.Agent) {
	if err := l.c.HandleAgentFailed(context.WithoutCancel(ctx), a.ID); err != nil {
		l.c.logger.Log("[orchestrator] handle failure of %s: %v", a.ID, err)
	}
}

func (l lifecycle) AgentReassigned(ctx context.Context, from, to *models.Agent) {
	l.c.agentReassigned(context.WithoutCancel(ctx), from, to)
}

var _ supervisor.LifecycleHandler = lifecycle{}
