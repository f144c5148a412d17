package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// CycleResult reports one autonomous cycle. A cycle that found no work has
// an empty CycleID and no agents.
type CycleResult struct {
	CycleID       string   `json:"cycle_id,omitempty" yaml:"cycle_id,omitempty"`
	AgentsSpawned int      `json:"agents_spawned" yaml:"agents_spawned"`
	Modules       []string `json:"modules,omitempty" yaml:"modules,omitempty"`
	Mode          string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Rejected      []string `json:"rejected,omitempty" yaml:"rejected,omitempty"`
}

// RunAutonomousCycle takes up to CycleSize of the best available work items
// and spawns agents for them.
func (c *Coordinator) RunAutonomousCycle(ctx context.Context) (CycleResult, error) {
	c.mu.Lock()
	err := c.schedulableLocked()
	c.mu.Unlock()
	if err != nil {
		return CycleResult{}, err
	}

	items, err := c.GetNextWorkItems(ctx, c.opts.settings.CycleSize)
	if err != nil {
		return CycleResult{}, err
	}
	if len(items) == 0 {
		c.logger.Log("[orchestrator] cycle found no available work")
		return CycleResult{}, nil
	}

	spawned, err := c.SpawnAgentsForWork(ctx, items)
	result := CycleResult{
		CycleID:       uuid.NewString(),
		AgentsSpawned: len(spawned.Agents),
		Modules:       spawned.Modules(),
		Mode:          string(spawned.Decision.Mode),
	}
	for _, r := range spawned.Rejected {
		result.Rejected = append(result.Rejected, r.Item.ModuleID)
	}
	c.logger.Log("[orchestrator] cycle %s spawned %d agents %v", result.CycleID, result.AgentsSpawned, result.Modules)
	return result, err
}

// Run calls RunAutonomousCycle every interval until ctx is cancelled or the
// orchestrator is terminated. Ticks while paused are skipped. The first
// cycle runs immediately. A non-positive interval uses the configured one.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = c.opts.settings.CycleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		switch c.Status() {
		case "":
			return ErrNotInitialized
		case models.OrchestratorTerminated:
			return nil
		case models.OrchestratorActive:
			if _, err := c.RunAutonomousCycle(ctx); err != nil {
				switch {
				case errors.Is(err, ErrTerminated):
					return nil
				case errors.Is(err, ErrPaused), errors.Is(err, context.Canceled):
				default:
					log.Printf("[orchestrator] WARNING: cycle failed: %v", err)
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pause stops new work from being scheduled. Running agents continue.
func (c *Coordinator) Pause(ctx context.Context) error {
	return c.transition(ctx, models.OrchestratorPaused, events.OrchestratorPaused)
}

// Resume re-enables scheduling after Pause.
func (c *Coordinator) Resume(ctx context.Context) error {
	return c.transition(ctx, models.OrchestratorActive, events.OrchestratorResumed)
}

func (c *Coordinator) transition(ctx context.Context, to models.OrchestratorStatus, t events.Type) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return err
	}
	from := c.orch.Status
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.orch.Status = to
	c.orch.LastActiveAt = time.Now()
	c.emitter.Emit(c.event(t).With("from", string(from)))
	c.persistLocked(ctx)
	log.Printf("[orchestrator] %s -> %s", from, to)
	return nil
}

// Shutdown terminates every live agent, persists the terminated status and
// closes the coordinator. Agent termination is best effort: every agent is
// attempted and the individual failures are returned joined.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	from := c.orch.Status
	if !from.CanTransitionTo(models.OrchestratorTerminated) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, models.OrchestratorTerminated)
	}

	var errs []error
	terminated := 0
	for _, a := range c.sup.ListAgents() {
		if a.Status.IsTerminal() {
			continue
		}
		if err := c.sup.TerminateAgent(a.ID); err != nil {
			log.Printf("[orchestrator] WARNING: failed to terminate agent %s: %v", a.ID, err)
			errs = append(errs, fmt.Errorf("terminate %s: %w", a.ID, err))
			continue
		}
		terminated++
	}
	c.orch.ActiveAgents = nil
	for _, item := range append([]*models.WorkItem(nil), c.queue.InProgress...) {
		c.queue.Enqueue(item)
	}
	c.orch.Status = models.OrchestratorTerminated
	c.orch.LastActiveAt = time.Now()
	c.emitter.Emit(c.event(events.OrchestratorTerminated).
		With("from", string(from)).
		With("agents_terminated", terminated))
	c.persistLocked(ctx)
	c.mu.Unlock()

	c.logger.Log("[orchestrator] shutdown: terminated %d agents, %d failures", terminated, len(errs))
	if err := c.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
