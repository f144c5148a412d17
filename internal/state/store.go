package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// SaveOrchestrator writes the orchestrator document, replacing any previous one.
func (db *DB) SaveOrchestrator(ctx context.Context, o *models.Orchestrator) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode orchestrator: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO orchestrators (system_id, id, status, document, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(system_id) DO UPDATE SET
			id = excluded.id,
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at
	`, o.SystemID, o.ID, string(o.Status), string(doc), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save orchestrator: %w", err)
	}
	return nil
}

// LoadOrchestrator returns the saved document for the system, or nil if none exists.
func (db *DB) LoadOrchestrator(ctx context.Context, systemID string) (*models.Orchestrator, error) {
	var doc string
	err := db.QueryRowContext(ctx, `SELECT document FROM orchestrators WHERE system_id = ?`, systemID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load orchestrator: %w", err)
	}
	var o models.Orchestrator
	if err := json.Unmarshal([]byte(doc), &o); err != nil {
		return nil, fmt.Errorf("decode orchestrator: %w", err)
	}
	return &o, nil
}

// SaveAgent upserts an agent snapshot.
func (db *DB) SaveAgent(ctx context.Context, a *models.Agent) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode agent: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO agents (id, orchestrator_id, module_id, status, spawned_at, document)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			document = excluded.document
	`, a.ID, a.OrchestratorID, a.ModuleID, string(a.Status), formatTime(a.SpawnedAt), string(doc))
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

// ListAgents returns the orchestrator's agents ordered by spawn time.
func (db *DB) ListAgents(ctx context.Context, orchestratorID string) ([]*models.Agent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT document FROM agents WHERE orchestrator_id = ? ORDER BY id
	`, orchestratorID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		var a models.Agent
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, fmt.Errorf("decode agent: %w", err)
		}
		normalizeFailureContext(a.FailureContext)
		agents = append(agents, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	sort.SliceStable(agents, func(i, j int) bool {
		return agents[i].SpawnedAt.Before(agents[j].SpawnedAt)
	})
	return agents, nil
}

// normalizeFailureContext restores the error history to []string after a JSON round trip.
func normalizeFailureContext(fc map[string]any) {
	raw, ok := fc[models.FailureKeyPreviousErrors].([]any)
	if !ok {
		return
	}
	errs := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			errs = append(errs, s)
		}
	}
	fc[models.FailureKeyPreviousErrors] = errs
}

// AppendEvent stores an event. Appending the same event ID twice is a no-op.
func (db *DB) AppendEvent(ctx context.Context, e events.Event) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, orchestrator_id, type, agent_id, module_id, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.OrchestratorID, string(e.Type), e.AgentID, e.ModuleID, formatTime(e.Timestamp), payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the orchestrator's events in append order, optionally
// only those at or after since.
func (db *DB) ListEvents(ctx context.Context, orchestratorID string, since time.Time) ([]events.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, type, agent_id, module_id, timestamp, payload
		FROM events WHERE orchestrator_id = ? ORDER BY seq
	`, orchestratorID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e                 events.Event
			typ, ts           string
			agentID, moduleID sql.NullString
			payload           sql.NullString
		)
		if err := rows.Scan(&e.ID, &typ, &agentID, &moduleID, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = events.Type(typ)
		e.OrchestratorID = orchestratorID
		e.AgentID = agentID.String
		e.ModuleID = moduleID.String
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveWorkQueue replaces the stored queue for the orchestrator.
func (db *DB) SaveWorkQueue(ctx context.Context, orchestratorID string, q *models.WorkQueue) error {
	buckets := []struct {
		name  models.WorkBucket
		items []*models.WorkItem
	}{
		{models.WorkPending, q.Pending},
		{models.WorkInProgress, q.InProgress},
		{models.WorkCompleted, q.Completed},
		{models.WorkFailed, q.Failed},
	}
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE orchestrator_id = ?`, orchestratorID); err != nil {
			return fmt.Errorf("clear work items: %w", err)
		}
		for _, b := range buckets {
			for pos, item := range b.items {
				doc, err := json.Marshal(item)
				if err != nil {
					return fmt.Errorf("encode work item: %w", err)
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO work_items (id, orchestrator_id, module_id, bucket, position, document)
					VALUES (?, ?, ?, ?, ?, ?)
				`, item.ID, orchestratorID, item.ModuleID, string(b.name), pos, string(doc)); err != nil {
					return fmt.Errorf("save work item %s: %w", item.ID, err)
				}
			}
		}
		return nil
	})
}

// LoadWorkQueue rebuilds the queue saved for the orchestrator. An orchestrator
// with nothing saved gets an empty queue.
func (db *DB) LoadWorkQueue(ctx context.Context, orchestratorID string) (*models.WorkQueue, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT bucket, document FROM work_items WHERE orchestrator_id = ? ORDER BY bucket, position
	`, orchestratorID)
	if err != nil {
		return nil, fmt.Errorf("load work queue: %w", err)
	}
	defer rows.Close()

	q := models.NewWorkQueue()
	for rows.Next() {
		var bucket, doc string
		if err := rows.Scan(&bucket, &doc); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		item := &models.WorkItem{}
		if err := json.Unmarshal([]byte(doc), item); err != nil {
			return nil, fmt.Errorf("decode work item: %w", err)
		}
		switch models.WorkBucket(bucket) {
		case models.WorkPending:
			q.Pending = append(q.Pending, item)
		case models.WorkInProgress:
			q.InProgress = append(q.InProgress, item)
		case models.WorkCompleted:
			q.Completed = append(q.Completed, item)
		case models.WorkFailed:
			q.Failed = append(q.Failed, item)
		default:
			return nil, fmt.Errorf("work item %s in unknown bucket %q", item.ID, bucket)
		}
	}
	return q, rows.Err()
}
