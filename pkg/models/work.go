package models

import "time"

// DefaultLoopID is the work protocol assigned when the roadmap does not name one.
const DefaultLoopID = "engineering"

// WorkItem is a candidate unit of work for one module.
type WorkItem struct {
	// ID is the unique identifier for this work item.
	ID string `json:"id"`
	// ModuleID is the module the work targets.
	ModuleID string `json:"module_id"`
	// LoopID names the work protocol.
	LoopID string `json:"loop_id"`
	// Scope is the free-text description of the work.
	Scope string `json:"scope"`
	// Priority is lower for more urgent work, typically the dependency layer.
	Priority int `json:"priority"`
	// LeverageScore is the externally computed desirability, higher is better.
	LeverageScore float64 `json:"leverage_score"`
	// Dependencies lists blocking module IDs.
	Dependencies []string `json:"dependencies,omitempty"`
	// Files lists the paths the work declares it will touch.
	Files []string `json:"files,omitempty"`
	// EstimatedDuration is an optional estimate.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

// WorkBucket names one of the four disjoint work queue buckets.
type WorkBucket string

const (
	WorkPending    WorkBucket = "pending"
	WorkInProgress WorkBucket = "in-progress"
	WorkCompleted  WorkBucket = "completed"
	WorkFailed     WorkBucket = "failed"
)

// WorkQueue holds work items in four disjoint buckets.
// A work item belongs to exactly one bucket at a time.
type WorkQueue struct {
	Pending    []*WorkItem `json:"pending"`
	InProgress []*WorkItem `json:"in_progress"`
	Completed  []*WorkItem `json:"completed"`
	Failed     []*WorkItem `json:"failed"`
}

// NewWorkQueue creates an empty queue.
func NewWorkQueue() *WorkQueue {
	return &WorkQueue{}
}

// Enqueue places an item in pending, removing it from any other bucket.
func (q *WorkQueue) Enqueue(item *WorkItem) {
	q.move(item, WorkPending)
}

// Start moves an item to in-progress.
func (q *WorkQueue) Start(item *WorkItem) {
	q.move(item, WorkInProgress)
}

// Complete moves the in-progress item for the module to completed.
// Returns the moved item, or nil if no in-progress item targets the module.
func (q *WorkQueue) Complete(moduleID string) *WorkItem {
	item := q.FindInProgressByModule(moduleID)
	if item != nil {
		q.move(item, WorkCompleted)
	}
	return item
}

// Fail moves the in-progress item for the module to failed.
func (q *WorkQueue) Fail(moduleID string) *WorkItem {
	item := q.FindInProgressByModule(moduleID)
	if item != nil {
		q.move(item, WorkFailed)
	}
	return item
}

// FindInProgressByModule returns the in-flight item targeting the module.
func (q *WorkQueue) FindInProgressByModule(moduleID string) *WorkItem {
	for _, item := range q.InProgress {
		if item.ModuleID == moduleID {
			return item
		}
	}
	return nil
}

// BucketOf returns which bucket holds the item ID, or "" if none.
func (q *WorkQueue) BucketOf(itemID string) WorkBucket {
	for bucket, items := range q.buckets() {
		for _, it := range *items {
			if it.ID == itemID {
				return bucket
			}
		}
	}
	return ""
}

// QueueCounts is the size of each bucket.
type QueueCounts struct {
	Pending    int `json:"pending" yaml:"pending"`
	InProgress int `json:"in_progress" yaml:"in_progress"`
	Completed  int `json:"completed" yaml:"completed"`
	Failed     int `json:"failed" yaml:"failed"`
}

// Counts returns the size of each bucket.
func (q *WorkQueue) Counts() QueueCounts {
	return QueueCounts{
		Pending:    len(q.Pending),
		InProgress: len(q.InProgress),
		Completed:  len(q.Completed),
		Failed:     len(q.Failed),
	}
}

func (q *WorkQueue) buckets() map[WorkBucket]*[]*WorkItem {
	return map[WorkBucket]*[]*WorkItem{
		WorkPending:    &q.Pending,
		WorkInProgress: &q.InProgress,
		WorkCompleted:  &q.Completed,
		WorkFailed:     &q.Failed,
	}
}

func (q *WorkQueue) move(item *WorkItem, to WorkBucket) {
	for _, items := range q.buckets() {
		kept := (*items)[:0]
		for _, it := range *items {
			if it.ID != item.ID {
				kept = append(kept, it)
			}
		}
		*items = kept
	}
	dst := q.buckets()[to]
	*dst = append(*dst, item)
}

// ConcurrencyMode is the execution strategy decided for a batch of work.
type ConcurrencyMode string

const (
	// ConcurrencySequential runs items one after another.
	ConcurrencySequential ConcurrencyMode = "sequential"
	// ConcurrencyParallelAsync runs items concurrently without dedicated OS threads.
	ConcurrencyParallelAsync ConcurrencyMode = "parallel-async"
	// ConcurrencyParallelThreads runs items on dedicated OS threads.
	ConcurrencyParallelThreads ConcurrencyMode = "parallel-threads"
)

// FailureAction is the decision taken when an agent reports an error.
type FailureAction string

const (
	FailureRetry    FailureAction = "retry"
	FailureReassign FailureAction = "reassign"
	FailureEscalate FailureAction = "escalate"
)

// Worktree is the isolated, branch-scoped workspace of one module.
type Worktree struct {
	ModuleID    string    `json:"module_id"`
	Branch      string    `json:"branch"`
	Path        string    `json:"path"`
	LastCommit  string    `json:"last_commit,omitempty"`
	CommitCount int       `json:"commit_count"`
	CreatedAt   time.Time `json:"created_at"`
}
