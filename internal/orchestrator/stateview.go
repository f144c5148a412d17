package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/internal/supervisor"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// StateView reads a system's persisted state without resuming it. It serves
// status queries and watchers running outside the process that owns the
// orchestrator.
type StateView struct {
	store    state.StateStore
	systemID string
}

// NewStateView creates a view of systemID in store.
func NewStateView(store state.StateStore, systemID string) *StateView {
	return &StateView{store: store, systemID: systemID}
}

// Orchestrator loads the persisted document, or ErrNotInitialized when the
// system has none.
func (v *StateView) Orchestrator(ctx context.Context) (*models.Orchestrator, error) {
	o, err := v.store.LoadOrchestrator(ctx, v.systemID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: no orchestrator for system %s", ErrNotInitialized, v.systemID)
	}
	return o, nil
}

// Summary computes the progress summary from persisted state. LastDecision
// is not persisted and is always nil.
func (v *StateView) Summary(ctx context.Context) (ProgressSummary, error) {
	o, err := v.Orchestrator(ctx)
	if err != nil {
		return ProgressSummary{}, err
	}
	agents, err := v.store.ListAgents(ctx, o.ID)
	if err != nil {
		return ProgressSummary{}, err
	}
	q, err := v.store.LoadWorkQueue(ctx, o.ID)
	if err != nil {
		return ProgressSummary{}, err
	}
	return newSummary(o, supervisor.Summarize(agents), q.Counts()), nil
}

// GetProgressSummary is Summary without a caller context.
func (v *StateView) GetProgressSummary() (ProgressSummary, error) {
	return v.Summary(context.Background())
}

// LiveAgents returns the persisted agents that had not finished.
func (v *StateView) LiveAgents() ([]*models.Agent, error) {
	ctx := context.Background()
	o, err := v.Orchestrator(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := v.store.ListAgents(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	var out []*models.Agent
	for _, a := range agents {
		if !a.Status.IsTerminal() {
			out = append(out, a)
		}
	}
	return out, nil
}

// Poll delivers persisted events in append order, checking every interval,
// starting with the history. The channel is closed when ctx is done.
func (v *StateView) Poll(ctx context.Context, interval time.Duration) <-chan events.Event {
	ch := make(chan events.Event, events.DefaultBufferSize)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var since time.Time
		seen := make(map[string]bool)
		for {
			if o, err := v.Orchestrator(ctx); err == nil {
				batch, err := v.store.ListEvents(ctx, o.ID, since)
				if err != nil && ctx.Err() == nil {
					log.Printf("[orchestrator] WARNING: event poll failed: %v", err)
				}
				for _, e := range batch {
					if seen[e.ID] {
						continue
					}
					// Events sharing the newest timestamp are returned again
					// by the next query.
					if e.Timestamp.After(since) {
						since = e.Timestamp
						clear(seen)
					}
					seen[e.ID] = true
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}
