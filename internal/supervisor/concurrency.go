package supervisor

import (
	"fmt"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// asyncBatchLimit is the largest conflict-free batch run without dedicated threads.
const asyncBatchLimit = 4

// ResourceEstimator reports whether the machine can afford to run a batch in parallel.
type ResourceEstimator interface {
	Constrained(items []*models.WorkItem) bool
}

// ResourceEstimatorFunc adapts a function to ResourceEstimator.
type ResourceEstimatorFunc func(items []*models.WorkItem) bool

// Constrained calls f(items).
func (f ResourceEstimatorFunc) Constrained(items []*models.WorkItem) bool {
	return f(items)
}

// ConcurrencyFactors are the raw inputs behind a decision.
type ConcurrencyFactors struct {
	FileOverlap         bool `json:"file_overlap" yaml:"file_overlap"`
	DependencyConflict  bool `json:"dependency_conflict" yaml:"dependency_conflict"`
	ResourceConstrained bool `json:"resource_constrained" yaml:"resource_constrained"`
}

// ConcurrencyDecision is advisory output for the coordinator.
type ConcurrencyDecision struct {
	Mode      models.ConcurrencyMode `json:"mode" yaml:"mode"`
	Reasoning string                 `json:"reasoning" yaml:"reasoning"`
	Factors   ConcurrencyFactors     `json:"factors" yaml:"factors"`
}

// DecideConcurrencyMode picks the execution strategy for a batch.
func (s *Supervisor) DecideConcurrencyMode(items []*models.WorkItem) ConcurrencyDecision {
	return DecideConcurrencyMode(items, s.resources)
}

// DecideConcurrencyMode picks the execution strategy for a batch:
// file overlap or dependency conflict forces sequential; otherwise small
// batches run async and larger ones on threads unless resources are
// constrained. A nil estimator never reports a constraint, so every
// conflict-free batch of five or more runs on threads. With an estimator
// configured, a constrained batch of that size runs async instead.
func DecideConcurrencyMode(items []*models.WorkItem, resources ResourceEstimator) ConcurrencyDecision {
	var d ConcurrencyDecision

	overlap, overlapReason := findFileOverlap(items)
	conflict, conflictReason := findDependencyConflict(items)
	d.Factors.FileOverlap = overlap
	d.Factors.DependencyConflict = conflict
	if resources != nil {
		d.Factors.ResourceConstrained = resources.Constrained(items)
	}

	switch {
	case conflict:
		d.Mode = models.ConcurrencySequential
		d.Reasoning = conflictReason
	case overlap:
		d.Mode = models.ConcurrencySequential
		d.Reasoning = overlapReason
	case len(items) <= asyncBatchLimit:
		d.Mode = models.ConcurrencyParallelAsync
		d.Reasoning = fmt.Sprintf("%d independent items, running concurrently", len(items))
	case d.Factors.ResourceConstrained:
		d.Mode = models.ConcurrencyParallelAsync
		d.Reasoning = fmt.Sprintf("%d independent items but resources constrained, staying off dedicated threads", len(items))
	default:
		d.Mode = models.ConcurrencyParallelThreads
		d.Reasoning = fmt.Sprintf("%d independent items exceed %d, running on dedicated threads", len(items), asyncBatchLimit)
	}
	return d
}

// findFileOverlap reports the first path declared by two items.
func findFileOverlap(items []*models.WorkItem) (bool, string) {
	owner := make(map[string]string)
	for _, item := range items {
		seen := make(map[string]bool, len(item.Files))
		for _, f := range item.Files {
			if seen[f] {
				continue
			}
			seen[f] = true
			if other, ok := owner[f]; ok {
				return true, fmt.Sprintf("file overlap: %s declared by %s and %s", f, other, item.ModuleID)
			}
			owner[f] = item.ModuleID
		}
	}
	return false, ""
}

// findDependencyConflict reports an item that depends on a module another
// item in the same batch targets.
func findDependencyConflict(items []*models.WorkItem) (bool, string) {
	targets := make(map[string]bool, len(items))
	for _, item := range items {
		targets[item.ModuleID] = true
	}
	for _, item := range items {
		for _, dep := range item.Dependencies {
			if dep != item.ModuleID && targets[dep] {
				return true, fmt.Sprintf("dependency conflict: %s depends on %s in the same batch", item.ModuleID, dep)
			}
		}
	}
	return false, ""
}
