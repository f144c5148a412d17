package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// SignalKind is the type of an inbound agent signal.
type SignalKind string

const (
	SignalStatus    SignalKind = "status"
	SignalProgress  SignalKind = "progress"
	SignalHeartbeat SignalKind = "heartbeat"
	SignalError     SignalKind = "error"
	SignalComplete  SignalKind = "complete"
	SignalBlocked   SignalKind = "blocked"
)

// Signal is a report from the execution engine about one agent.
type Signal struct {
	AgentID string
	Kind    SignalKind
	// Status is the new status for SignalStatus.
	Status models.AgentStatus
	// Phase is the current phase for SignalStatus and SignalProgress.
	Phase string
	// Progress is the report for SignalProgress.
	Progress models.Progress
	// Message is the error text for SignalError or the reason for SignalBlocked.
	Message string
}

// HandleSignal applies one inbound signal to its agent.
func (s *Supervisor) HandleSignal(ctx context.Context, sig Signal) error {
	switch sig.Kind {
	case SignalStatus:
		return s.setStatus(sig)
	case SignalProgress:
		return s.setProgress(sig)
	case SignalHeartbeat:
		return s.heartbeat(sig.AgentID)
	case SignalError:
		_, err := s.ReportError(ctx, sig.AgentID, sig.Message)
		return err
	case SignalComplete:
		return s.complete(ctx, sig.AgentID)
	case SignalBlocked:
		return s.block(sig.AgentID, sig.Message)
	default:
		return fmt.Errorf("unknown signal kind %q", sig.Kind)
	}
}

// Unblock returns a blocked agent to active.
func (s *Supervisor) Unblock(id string) error {
	return s.setStatus(Signal{AgentID: id, Kind: SignalStatus, Status: models.AgentStatusActive})
}

// liveAgentLocked returns the agent if it exists and has not finished.
func (s *Supervisor) liveAgentLocked(id string) (*models.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if a.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: agent %s is %s", ErrInvalidTransition, id, a.Status)
	}
	return a, nil
}

// setStatus handles non-terminal status changes. Terminal outcomes arrive as
// complete or error signals, or through TerminateAgent.
func (s *Supervisor) setStatus(sig Signal) error {
	s.mu.Lock()
	a, err := s.liveAgentLocked(sig.AgentID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !sig.Status.Valid() || sig.Status.IsTerminal() || !a.Status.CanTransitionTo(sig.Status) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, sig.Status)
	}
	from := a.Status
	a.Status = sig.Status
	if sig.Phase != "" {
		a.Phase = sig.Phase
	}
	if sig.Status == models.AgentStatusActive {
		a.LastHeartbeat = s.now()
	}
	ev := s.agentEvent(events.AgentStatusType(string(sig.Status)), a).With("from", string(from))
	s.notifyLocked()
	s.mu.Unlock()

	s.emit([]events.Event{ev})
	return nil
}

func (s *Supervisor) setProgress(sig Signal) error {
	s.mu.Lock()
	a, err := s.liveAgentLocked(sig.AgentID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	a.Progress = sig.Progress
	if sig.Phase != "" {
		a.Phase = sig.Phase
	}
	ev := s.agentEvent(events.AgentProgress, a).
		With("phase", a.Phase).
		With("percent", a.Progress.Percent)
	s.mu.Unlock()

	s.emit([]events.Event{ev})
	return nil
}

// heartbeat refreshes liveness. No event is emitted.
func (s *Supervisor) heartbeat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.liveAgentLocked(id)
	if err != nil {
		return err
	}
	a.LastHeartbeat = s.now()
	return nil
}

func (s *Supervisor) block(id, reason string) error {
	s.mu.Lock()
	a, err := s.liveAgentLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !a.Status.CanTransitionTo(models.AgentStatusBlocked) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> blocked", ErrInvalidTransition, a.Status)
	}
	a.Status = models.AgentStatusBlocked
	ev := s.agentEvent(events.AgentBlocked, a).With("reason", reason)
	s.notifyLocked()
	s.mu.Unlock()

	s.emit([]events.Event{ev})
	return nil
}

func (s *Supervisor) complete(ctx context.Context, id string) error {
	s.mu.Lock()
	a, err := s.liveAgentLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !a.Status.CanTransitionTo(models.AgentStatusCompleted) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, a.Status)
	}
	s.stopRunLocked(id)
	now := s.now()
	a.Status = models.AgentStatusCompleted
	a.CompletedAt = &now
	a.Progress.Percent = 100
	ev := s.agentEvent(events.AgentCompleted, a).With("retries", a.RetryCount)
	snapshot := a.Clone()
	s.notifyLocked()
	s.mu.Unlock()

	s.emit([]events.Event{ev})
	s.logger.Log("[supervisor] agent %s completed module %s", id, a.ModuleID)
	if s.lifecycle != nil {
		s.lifecycle.AgentCompleted(ctx, snapshot)
	}
	return nil
}

// DecideFailureAction is the pure retry/reassign/escalate policy.
func DecideFailureAction(a *models.Agent) models.FailureAction {
	switch {
	case a.RetryCount < a.MaxRetries:
		return models.FailureRetry
	case a.RetryCount == a.MaxRetries:
		return models.FailureReassign
	default:
		return models.FailureEscalate
	}
}

// ReportError runs the failure cascade for the agent and returns the action taken.
// A replacement agent that exhausts its own retries escalates instead of
// being reassigned again.
func (s *Supervisor) ReportError(ctx context.Context, id, message string) (models.FailureAction, error) {
	s.mu.Lock()
	a, err := s.liveAgentLocked(id)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if s.settling[id] {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: agent %s is being reassigned", ErrInvalidTransition, id)
	}

	a.LastError = message
	recordError(a, message)

	action := DecideFailureAction(a)
	if action == models.FailureReassign && a.WasReassigned() {
		action = models.FailureEscalate
	}

	switch action {
	case models.FailureRetry:
		s.retryLocked(a, message)
		return action, nil
	case models.FailureReassign:
		s.settling[id] = true
		s.stopRunLocked(id)
		snapshot := a.Clone()
		s.mu.Unlock()
		if err := s.reassign(ctx, snapshot); err != nil {
			s.mu.Lock()
			delete(s.settling, id)
			if a.Status.IsTerminal() {
				s.mu.Unlock()
				return "", err
			}
			s.logger.Log("[supervisor] reassign of %s failed, escalating: %v", id, err)
			s.escalateLocked(ctx, a, fmt.Sprintf("%s (reassign failed: %v)", message, err))
			return models.FailureEscalate, nil
		}
		return action, nil
	default:
		s.escalateLocked(ctx, a, message)
		return models.FailureEscalate, nil
	}
}

// retryLocked moves the agent to retrying and schedules the in-place respawn.
// It releases s.mu.
func (s *Supervisor) retryLocked(a *models.Agent, message string) {
	s.stopRunLocked(a.ID)
	a.RetryCount++
	a.Status = models.AgentStatusRetrying
	a.FailureContext[models.FailureKeyAttempt] = a.RetryCount
	a.FailureContext[models.FailureKeyLastError] = message
	out := []events.Event{
		s.agentEvent(events.FailureRetry, a).
			With("attempt", a.RetryCount).
			With("max_retries", a.MaxRetries).
			With("error", message),
		s.agentEvent(events.AgentRetrying, a).With("attempt", a.RetryCount),
	}
	id, attempt, maxRetries := a.ID, a.RetryCount, a.MaxRetries
	if s.cfg.RetryDelay > 0 {
		s.timers[id] = time.AfterFunc(s.cfg.RetryDelay, func() {
			s.respawn(id)
		})
	}
	s.notifyLocked()
	s.mu.Unlock()

	s.emit(out)
	s.logger.Log("[supervisor] agent %s retry %d/%d after error: %s", id, attempt, maxRetries, message)
	if s.cfg.RetryDelay == 0 {
		s.respawn(id)
	}
}

// respawn returns a retrying agent to active with its failure context intact.
func (s *Supervisor) respawn(id string) {
	s.mu.Lock()
	a, ok := s.agents[id]
	if !ok || a.Status != models.AgentStatusRetrying {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	a.Status = models.AgentStatusActive
	a.LastHeartbeat = s.now()
	s.gens[id]++
	ev := s.agentEvent(events.AgentActive, a).With("attempt", a.RetryCount)
	s.notifyLocked()
	s.mu.Unlock()

	s.emit([]events.Event{ev})
}

// reassign spawns a replacement carrying the failure context, then terminates
// the failing agent.
func (s *Supervisor) reassign(ctx context.Context, old *models.Agent) error {
	fc := models.CloneFailureContext(old.FailureContext)
	if fc == nil {
		fc = make(map[string]any)
	}
	fc[models.FailureKeyReassignedFrom] = old.ID
	fc[models.FailureKeyReassigned] = true

	s.emit([]events.Event{s.agentEvent(events.FailureReassign, old).With("error", old.LastError)})

	replacement, err := s.SpawnAgent(ctx, SpawnRequest{
		ModuleID:       old.ModuleID,
		LoopID:         old.LoopID,
		Scope:          old.Scope,
		MaxRetries:     old.MaxRetries,
		ExecutionID:    old.ExecutionID,
		FailureContext: fc,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	a := s.agents[old.ID]
	delete(s.settling, old.ID)
	now := s.now()
	if a.Status.IsTerminal() {
		// Terminated while the replacement was being spawned.
		return s.discardReplacementLocked(replacement.ID, old.ID)
	}
	a.Status = models.AgentStatusTerminated
	a.CompletedAt = &now
	s.replacedBy[old.ID] = replacement.ID
	out := []events.Event{
		s.agentEvent(events.AgentTerminated, a).With("reason", "reassigned"),
		s.agentEvent(events.AgentReassigned, replacement).With("from", old.ID),
	}
	from := a.Clone()
	s.notifyLocked()
	s.mu.Unlock()

	s.emit(out)
	s.logger.Log("[supervisor] reassigned module %s from agent %s to %s", old.ModuleID, old.ID, replacement.ID)
	if s.lifecycle != nil {
		s.lifecycle.AgentReassigned(ctx, from, replacement)
	}
	return nil
}

// discardReplacementLocked terminates a replacement whose predecessor was
// terminated before it could be linked. It releases s.mu.
func (s *Supervisor) discardReplacementLocked(id, oldID string) error {
	var out []events.Event
	if r := s.agents[id]; r != nil && !r.Status.IsTerminal() {
		s.stopRunLocked(id)
		now := s.now()
		r.Status = models.AgentStatusTerminated
		r.CompletedAt = &now
		out = append(out, s.agentEvent(events.AgentTerminated, r).With("reason", "predecessor terminated"))
	}
	s.notifyLocked()
	s.mu.Unlock()

	s.emit(out)
	s.logger.Log("[supervisor] agent %s was terminated during reassignment, discarded replacement %s", oldID, id)
	return fmt.Errorf("%w: agent %s was terminated during reassignment", ErrInvalidTransition, oldID)
}

// escalateLocked fails the agent for good. It releases s.mu.
func (s *Supervisor) escalateLocked(ctx context.Context, a *models.Agent, message string) {
	s.stopRunLocked(a.ID)
	a.Status = models.AgentStatusFailed
	a.LastError = message
	out := []events.Event{
		s.agentEvent(events.FailureEscalate, a).
			With("error", message).
			With("retries", a.RetryCount),
		s.agentEvent(events.AgentFailed, a).With("error", message),
	}
	snapshot := a.Clone()
	s.notifyLocked()
	s.mu.Unlock()

	s.emit(out)
	s.logger.Log("[supervisor] escalating agent %s (module %s): %s", a.ID, a.ModuleID, message)
	if s.lifecycle != nil {
		s.lifecycle.AgentFailed(ctx, snapshot)
	}
}

// recordError appends to the agent's error history.
func recordError(a *models.Agent, message string) {
	if a.FailureContext == nil {
		a.FailureContext = make(map[string]any)
	}
	prev, _ := a.FailureContext[models.FailureKeyPreviousErrors].([]string)
	a.FailureContext[models.FailureKeyPreviousErrors] = append(append([]string(nil), prev...), message)
}
