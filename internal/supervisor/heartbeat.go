package supervisor

import (
	"context"
	"time"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// HeartbeatTimeoutMessage is the error recorded for agents that stop reporting.
const HeartbeatTimeoutMessage = "heartbeat timeout"

// Start launches the heartbeat monitor. Calling Start twice is a no-op.
// Scans never overlap: the next tick is not read until a scan returns.
func (s *Supervisor) Start(ctx context.Context) {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()
	if s.monitorCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.monitorCancel = cancel
	s.monitorDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CheckHeartbeats(ctx)
			}
		}
	}()
}

// Stop halts the heartbeat monitor and any pending retry timers, then waits
// for the monitor goroutine to exit. Executing runs are left to their contexts.
func (s *Supervisor) Stop() {
	s.monitorMu.Lock()
	cancel, done := s.monitorCancel, s.monitorDone
	s.monitorCancel, s.monitorDone = nil, nil
	s.monitorMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	for id := range s.timers {
		s.timers[id].Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

// CheckHeartbeats runs one scan and feeds stale agents into the failure cascade.
// Returns the IDs that timed out.
func (s *Supervisor) CheckHeartbeats(ctx context.Context) []string {
	now := s.now()

	s.mu.Lock()
	var stale []string
	for id, a := range s.agents {
		if a.Status != models.AgentStatusActive && a.Status != models.AgentStatusRetrying {
			continue
		}
		if s.settling[id] {
			continue
		}
		if now.Sub(a.LastHeartbeat) > s.cfg.HeartbeatTimeout {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		if _, err := s.ReportError(ctx, id, HeartbeatTimeoutMessage); err != nil {
			s.logger.Log("[supervisor] heartbeat failure for %s not handled: %v", id, err)
		}
	}
	return stale
}
