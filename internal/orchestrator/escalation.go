package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// EscalationAgentFailed is the only escalation type: automated recovery of an
// agent is exhausted.
const EscalationAgentFailed = "agent-failed"

// escalationBuffer is the capacity of the Escalations channel.
const escalationBuffer = 32

// Escalation hands a failure to a human operator. The coordinator takes no
// further action on the module after raising one.
type Escalation struct {
	Type           string         `json:"type" yaml:"type"`
	OrchestratorID string         `json:"orchestrator_id" yaml:"orchestrator_id"`
	AgentID        string         `json:"agent_id" yaml:"agent_id"`
	ModuleID       string         `json:"module_id" yaml:"module_id"`
	LastError      string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	FailureContext map[string]any `json:"failure_context,omitempty" yaml:"failure_context,omitempty"`
	Timestamp      time.Time      `json:"timestamp" yaml:"timestamp"`
}

// Notifier receives escalations.
type Notifier interface {
	Notify(ctx context.Context, esc Escalation) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, esc Escalation) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, esc Escalation) error {
	return f(ctx, esc)
}

func newEscalation(orchestratorID string, a *models.Agent) Escalation {
	return Escalation{
		Type:           EscalationAgentFailed,
		OrchestratorID: orchestratorID,
		AgentID:        a.ID,
		ModuleID:       a.ModuleID,
		LastError:      a.LastError,
		FailureContext: models.CloneFailureContext(a.FailureContext),
		Timestamp:      time.Now(),
	}
}

// raise publishes the escalation to the channel and the notifier.
// Must be called without c.mu held.
func (c *Coordinator) raise(ctx context.Context, esc Escalation) {
	select {
	case c.escalations <- esc:
	default:
		log.Printf("[orchestrator] WARNING: escalation channel full, dropped escalation for agent %s (module %s)", esc.AgentID, esc.ModuleID)
	}

	if c.opts.notifier == nil {
		return
	}
	if err := c.opts.notifier.Notify(ctx, esc); err != nil {
		log.Printf("[orchestrator] WARNING: escalation notifier failed for module %s: %v", esc.ModuleID, err)
	}
}

// Escalations returns the stream of escalations raised by failed agents.
func (c *Coordinator) Escalations() <-chan Escalation {
	return c.escalations
}
