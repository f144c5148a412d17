package orchestrator

import (
	"time"

	"github.com/ShayCichocki/foreman/internal/supervisor"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// ProgressSummary is derived from in-memory state only; the roadmap is not consulted.
type ProgressSummary struct {
	OrchestratorID    string                          `json:"orchestrator_id" yaml:"orchestrator_id"`
	SystemID          string                          `json:"system_id" yaml:"system_id"`
	Status            models.OrchestratorStatus       `json:"status" yaml:"status"`
	MainBranch        string                          `json:"main_branch" yaml:"main_branch"`
	ModulesCompleted  int                             `json:"modules_completed" yaml:"modules_completed"`
	ModulesInProgress int                             `json:"modules_in_progress" yaml:"modules_in_progress"`
	ModulesPending    int                             `json:"modules_pending" yaml:"modules_pending"`
	ModulesTotal      int                             `json:"modules_total" yaml:"modules_total"`
	PercentComplete   float64                         `json:"percent_complete" yaml:"percent_complete"`
	ActiveAgents      int                             `json:"active_agents" yaml:"active_agents"`
	Agents            supervisor.Summary              `json:"agents" yaml:"agents"`
	Queue             models.QueueCounts              `json:"queue" yaml:"queue"`
	LastDecision      *supervisor.ConcurrencyDecision `json:"last_decision,omitempty" yaml:"last_decision,omitempty"`
	LastActiveAt      time.Time                       `json:"last_active_at" yaml:"last_active_at"`
}

// GetProgressSummary reports module, agent and queue counts.
// PercentComplete is completed over all tracked modules, 0 when there are none.
func (c *Coordinator) GetProgressSummary() (ProgressSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return ProgressSummary{}, err
	}

	s := newSummary(c.orch, c.sup.GetSummary(), c.queue.Counts())
	if c.lastDecision != nil {
		d := *c.lastDecision
		s.LastDecision = &d
	}
	return s, nil
}

func newSummary(o *models.Orchestrator, agents supervisor.Summary, queue models.QueueCounts) ProgressSummary {
	s := ProgressSummary{
		OrchestratorID:    o.ID,
		SystemID:          o.SystemID,
		Status:            o.Status,
		MainBranch:        o.MainBranch,
		ModulesCompleted:  len(o.ModulesCompleted),
		ModulesInProgress: len(o.ModulesInProgress),
		ModulesPending:    len(o.ModulesPending),
		ModulesTotal:      o.ModuleCount(),
		ActiveAgents:      len(o.ActiveAgents),
		Agents:            agents,
		Queue:             queue,
		LastActiveAt:      o.LastActiveAt,
	}
	s.PercentComplete = percent(s.ModulesCompleted, s.ModulesTotal)
	return s
}

func percent(done, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

// LiveAgents returns agents that have not reached a terminal state.
func (c *Coordinator) LiveAgents() ([]*models.Agent, error) {
	sup := c.Supervisor()
	if sup == nil {
		return nil, ErrNotInitialized
	}
	var out []*models.Agent
	for _, a := range sup.ListAgents() {
		if !a.Status.IsTerminal() {
			out = append(out, a)
		}
	}
	return out, nil
}
