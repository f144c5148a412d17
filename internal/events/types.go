// Package events defines the orchestration event vocabulary and its plumbing.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of event tags.
type Type string

const (
	OrchestratorInitialized Type = "orchestrator:initialized"
	OrchestratorResumed     Type = "orchestrator:resumed"
	OrchestratorPaused      Type = "orchestrator:paused"
	OrchestratorTerminated  Type = "orchestrator:terminated"

	AgentSpawned    Type = "agent:spawned"
	AgentStarted    Type = "agent:started"
	AgentActive     Type = "agent:active"
	AgentProgress   Type = "agent:progress"
	AgentBlocked    Type = "agent:blocked"
	AgentRetrying   Type = "agent:retrying"
	AgentCompleted  Type = "agent:completed"
	AgentFailed     Type = "agent:failed"
	AgentTerminated Type = "agent:terminated"
	AgentReassigned Type = "agent:reassigned"

	WorktreeCreated   Type = "worktree:created"
	WorktreeCommitted Type = "worktree:committed"
	WorktreeMerged    Type = "worktree:merged"
	WorktreeDeleted   Type = "worktree:deleted"

	WorkAssigned  Type = "work:assigned"
	WorkCompleted Type = "work:completed"
	WorkFailed    Type = "work:failed"

	FailureRetry    Type = "failure:retry"
	FailureReassign Type = "failure:reassign"
	FailureEscalate Type = "failure:escalate"
)

// Topics group event types by prefix.
const (
	TopicOrchestrator = "orchestrator"
	TopicAgent        = "agent"
	TopicWorktree     = "worktree"
	TopicWork         = "work"
	TopicFailure      = "failure"
)

var knownTypes = map[Type]bool{
	OrchestratorInitialized: true, OrchestratorResumed: true, OrchestratorPaused: true, OrchestratorTerminated: true,
	AgentSpawned: true, AgentStarted: true, AgentActive: true, AgentProgress: true, AgentBlocked: true,
	AgentRetrying: true, AgentCompleted: true, AgentFailed: true, AgentTerminated: true, AgentReassigned: true,
	WorktreeCreated: true, WorktreeCommitted: true, WorktreeMerged: true, WorktreeDeleted: true,
	WorkAssigned: true, WorkCompleted: true, WorkFailed: true,
	FailureRetry: true, FailureReassign: true, FailureEscalate: true,
}

// Valid returns true if t belongs to the closed vocabulary.
func (t Type) Valid() bool {
	return knownTypes[t]
}

// Topic returns the prefix before the colon.
func (t Type) Topic() string {
	topic, _, _ := strings.Cut(string(t), ":")
	return topic
}

// AgentStatusType maps an agent status name onto its agent:<status> event.
func AgentStatusType(status string) Type {
	return Type("agent:" + status)
}

// Event is an immutable orchestration fact.
// The With* helpers return modified copies.
type Event struct {
	ID             string         `json:"id"`
	Type           Type           `json:"type"`
	OrchestratorID string         `json:"orchestrator_id"`
	AgentID        string         `json:"agent_id,omitempty"`
	ModuleID       string         `json:"module_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// New creates an event stamped with a fresh ID and the current time.
func New(t Type, orchestratorID string) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           t,
		OrchestratorID: orchestratorID,
		Timestamp:      time.Now(),
	}
}

// WithAgent returns a copy tagged with the agent ID.
func (e Event) WithAgent(agentID string) Event {
	e.AgentID = agentID
	return e
}

// WithModule returns a copy tagged with the module ID.
func (e Event) WithModule(moduleID string) Event {
	e.ModuleID = moduleID
	return e
}

// With returns a copy whose payload carries key=value.
func (e Event) With(key string, value any) Event {
	payload := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		payload[k] = v
	}
	payload[key] = value
	e.Payload = payload
	return e
}

// Topic returns the event's topic.
func (e Event) Topic() string {
	return e.Type.Topic()
}

// Sink receives events from producers.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) {
	f(e)
}

// Discard is a Sink that drops everything.
var Discard Sink = SinkFunc(func(Event) {})
