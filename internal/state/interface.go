package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// OrchestratorStore persists the orchestrator document, one per system.
type OrchestratorStore interface {
	SaveOrchestrator(ctx context.Context, o *models.Orchestrator) error
	// LoadOrchestrator returns nil, nil when the system has no document yet.
	LoadOrchestrator(ctx context.Context, systemID string) (*models.Orchestrator, error)
}

// AgentStore persists agent snapshots.
type AgentStore interface {
	SaveAgent(ctx context.Context, a *models.Agent) error
	ListAgents(ctx context.Context, orchestratorID string) ([]*models.Agent, error)
}

// EventStore persists the append-only event log.
type EventStore interface {
	AppendEvent(ctx context.Context, e events.Event) error
	// ListEvents returns events in append order. A zero since returns all of them.
	ListEvents(ctx context.Context, orchestratorID string, since time.Time) ([]events.Event, error)
}

// WorkStore persists the work queue.
type WorkStore interface {
	SaveWorkQueue(ctx context.Context, orchestratorID string, q *models.WorkQueue) error
	LoadWorkQueue(ctx context.Context, orchestratorID string) (*models.WorkQueue, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// StateStore is everything the coordinator persists.
type StateStore interface {
	io.Closer
	Migrator
	OrchestratorStore
	AgentStore
	EventStore
	WorkStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore        = (*DB)(nil)
	_ Migrator          = (*DB)(nil)
	_ OrchestratorStore = (*DB)(nil)
	_ AgentStore        = (*DB)(nil)
	_ EventStore        = (*DB)(nil)
	_ WorkStore         = (*DB)(nil)
)
