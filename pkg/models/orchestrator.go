package models

import (
	"slices"
	"time"
)

// OrchestratorStatus represents the lifecycle state of an orchestrator.
type OrchestratorStatus string

const (
	// OrchestratorInitializing is the state before the first roadmap sync completes.
	OrchestratorInitializing OrchestratorStatus = "initializing"
	// OrchestratorActive indicates work is being scheduled.
	OrchestratorActive OrchestratorStatus = "active"
	// OrchestratorPaused indicates no new work is scheduled.
	OrchestratorPaused OrchestratorStatus = "paused"
	// OrchestratorTerminated is final.
	OrchestratorTerminated OrchestratorStatus = "terminated"
)

// Valid returns true if the status is a known value.
func (s OrchestratorStatus) Valid() bool {
	switch s {
	case OrchestratorInitializing, OrchestratorActive, OrchestratorPaused, OrchestratorTerminated:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether s -> next is allowed.
func (s OrchestratorStatus) CanTransitionTo(next OrchestratorStatus) bool {
	switch s {
	case OrchestratorInitializing:
		return next == OrchestratorActive
	case OrchestratorActive:
		return next == OrchestratorPaused || next == OrchestratorTerminated
	case OrchestratorPaused:
		return next == OrchestratorActive || next == OrchestratorTerminated
	default:
		return false
	}
}

// ModuleBucket names one of the three orchestrator module lists.
type ModuleBucket string

const (
	ModulePending    ModuleBucket = "pending"
	ModuleInProgress ModuleBucket = "in-progress"
	ModuleCompleted  ModuleBucket = "completed"
)

// Orchestrator is the persistent per-system coordinator record.
type Orchestrator struct {
	ID                string             `json:"id"`
	SystemID          string             `json:"system_id"`
	SystemPath        string             `json:"system_path"`
	Status            OrchestratorStatus `json:"status"`
	MainBranch        string             `json:"main_branch"`
	WorktreeRoot      string             `json:"worktree_root"`
	ActiveAgents      []string           `json:"active_agents"`
	ModulesCompleted  []string           `json:"modules_completed"`
	ModulesInProgress []string           `json:"modules_in_progress"`
	ModulesPending    []string           `json:"modules_pending"`
	CreatedAt         time.Time          `json:"created_at"`
	LastActiveAt      time.Time          `json:"last_active_at"`
}

// BucketOf returns which list holds the module, or "" if none does.
func (o *Orchestrator) BucketOf(moduleID string) ModuleBucket {
	switch {
	case slices.Contains(o.ModulesCompleted, moduleID):
		return ModuleCompleted
	case slices.Contains(o.ModulesInProgress, moduleID):
		return ModuleInProgress
	case slices.Contains(o.ModulesPending, moduleID):
		return ModulePending
	default:
		return ""
	}
}

// MoveModule places the module in exactly one list, removing it from the others.
func (o *Orchestrator) MoveModule(moduleID string, to ModuleBucket) {
	o.ModulesCompleted = removeString(o.ModulesCompleted, moduleID)
	o.ModulesInProgress = removeString(o.ModulesInProgress, moduleID)
	o.ModulesPending = removeString(o.ModulesPending, moduleID)

	switch to {
	case ModuleCompleted:
		o.ModulesCompleted = append(o.ModulesCompleted, moduleID)
	case ModuleInProgress:
		o.ModulesInProgress = append(o.ModulesInProgress, moduleID)
	case ModulePending:
		o.ModulesPending = append(o.ModulesPending, moduleID)
	}
}

// AddActiveAgent records an agent ID once.
func (o *Orchestrator) AddActiveAgent(agentID string) {
	if !slices.Contains(o.ActiveAgents, agentID) {
		o.ActiveAgents = append(o.ActiveAgents, agentID)
	}
}

// RemoveActiveAgent drops an agent ID if present.
func (o *Orchestrator) RemoveActiveAgent(agentID string) {
	o.ActiveAgents = removeString(o.ActiveAgents, agentID)
}

// ModuleCount returns the number of modules across all three lists.
func (o *Orchestrator) ModuleCount() int {
	return len(o.ModulesCompleted) + len(o.ModulesInProgress) + len(o.ModulesPending)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Clone returns a deep copy.
func (o *Orchestrator) Clone() *Orchestrator {
	if o == nil {
		return nil
	}
	c := *o
	c.ActiveAgents = slices.Clone(o.ActiveAgents)
	c.ModulesCompleted = slices.Clone(o.ModulesCompleted)
	c.ModulesInProgress = slices.Clone(o.ModulesInProgress)
	c.ModulesPending = slices.Clone(o.ModulesPending)
	return &c
}
