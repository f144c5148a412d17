package models

import "time"

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	// AgentStatusSpawning indicates the agent record exists but has not started.
	AgentStatusSpawning AgentStatus = "spawning"
	// AgentStatusActive indicates the agent is executing its loop.
	AgentStatusActive AgentStatus = "active"
	// AgentStatusBlocked indicates the agent is waiting on an external unblock signal.
	AgentStatusBlocked AgentStatus = "blocked"
	// AgentStatusRetrying indicates the agent failed and is waiting to be re-spawned in place.
	AgentStatusRetrying AgentStatus = "retrying"
	// AgentStatusCompleted indicates the agent finished its work.
	AgentStatusCompleted AgentStatus = "completed"
	// AgentStatusFailed indicates the agent was escalated after recovery was exhausted.
	AgentStatusFailed AgentStatus = "failed"
	// AgentStatusTerminated indicates the agent was stopped by the supervisor.
	AgentStatusTerminated AgentStatus = "terminated"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusSpawning, AgentStatusActive, AgentStatusBlocked, AgentStatusRetrying,
		AgentStatusCompleted, AgentStatusFailed, AgentStatusTerminated:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states no agent ever leaves.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentStatusCompleted || s == AgentStatusFailed || s == AgentStatusTerminated
}

// IsLive returns true for the states counted as active by supervisor summaries.
func (s AgentStatus) IsLive() bool {
	return s == AgentStatusSpawning || s == AgentStatusActive || s == AgentStatusRetrying
}

// agentTransitions lists the allowed non-terminate transitions.
// Termination is unconditional and handled in CanTransitionTo.
var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentStatusSpawning: {AgentStatusActive, AgentStatusFailed},
	AgentStatusActive: {
		AgentStatusBlocked, AgentStatusRetrying, AgentStatusCompleted, AgentStatusFailed,
	},
	AgentStatusBlocked:  {AgentStatusActive, AgentStatusCompleted, AgentStatusFailed, AgentStatusRetrying},
	AgentStatusRetrying: {AgentStatusActive, AgentStatusCompleted, AgentStatusFailed, AgentStatusRetrying},
}

// CanTransitionTo reports whether the agent state machine allows s -> next.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == AgentStatusTerminated {
		return true
	}
	for _, allowed := range agentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Progress is the structured progress an execution engine reports for an agent.
type Progress struct {
	PhasesCompleted int     `json:"phases_completed"`
	PhasesTotal     int     `json:"phases_total"`
	SkillsCompleted int     `json:"skills_completed"`
	SkillsTotal     int     `json:"skills_total"`
	GatesPassed     int     `json:"gates_passed"`
	GatesTotal      int     `json:"gates_total"`
	Percent         float64 `json:"percent"`
}

// Failure context keys shared between the supervisor and its consumers.
const (
	FailureKeyReassignedFrom = "reassignedFrom"
	FailureKeyPreviousErrors = "previousErrors"
	FailureKeyAttempt        = "attempt"
	FailureKeyLastError      = "lastError"
	FailureKeyReassigned     = "reassigned"
)

// Agent is an ephemeral worker handling one module/loop/scope.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// OrchestratorID is the owning orchestrator.
	OrchestratorID string `json:"orchestrator_id"`
	// ModuleID is the module this agent works on.
	ModuleID string `json:"module_id"`
	// LoopID names the work protocol the agent runs.
	LoopID string `json:"loop_id"`
	// Scope is the free-text description of the work.
	Scope string `json:"scope"`
	// ExecutionID links the agent to an execution-engine run, if any.
	ExecutionID string `json:"execution_id,omitempty"`
	// WorktreePath is the isolated workspace, empty in degraded mode.
	WorktreePath string `json:"worktree_path,omitempty"`
	// Branch is the workspace branch, empty in degraded mode.
	Branch string `json:"branch,omitempty"`
	// Status is the current state of the agent.
	Status AgentStatus `json:"status"`
	// Phase is the opaque phase name reported by the execution engine.
	Phase string `json:"phase,omitempty"`
	// Progress is the latest structured progress report.
	Progress Progress `json:"progress"`
	// RetryCount is the number of in-place retries so far.
	RetryCount int `json:"retry_count"`
	// MaxRetries is the retry budget before reassignment.
	MaxRetries int `json:"max_retries"`
	// LastError is the most recent error message.
	LastError string `json:"last_error,omitempty"`
	// FailureContext accumulates structured failure information.
	FailureContext map[string]any `json:"failure_context,omitempty"`
	// SpawnedAt is when the record was created.
	SpawnedAt time.Time `json:"spawned_at"`
	// StartedAt is when the agent entered active.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is set iff the agent is completed or terminated.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// LastHeartbeat is the last time the agent proved liveness.
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Clone returns a deep copy safe to hand outside the supervisor lock.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.StartedAt != nil {
		t := *a.StartedAt
		c.StartedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	c.FailureContext = CloneFailureContext(a.FailureContext)
	return &c
}

// WasReassigned reports whether this agent replaced a failed predecessor.
func (a *Agent) WasReassigned() bool {
	if a == nil || a.FailureContext == nil {
		return false
	}
	_, ok := a.FailureContext[FailureKeyReassignedFrom]
	return ok
}

// CloneFailureContext copies a failure context map, including the error history slice.
func CloneFailureContext(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if errs, ok := v.([]string); ok {
			v = append([]string(nil), errs...)
		}
		out[k] = v
	}
	return out
}
