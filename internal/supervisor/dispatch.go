package supervisor

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// Run is one execution attempt handed to an Executor.
type Run struct {
	// Agent is a snapshot taken when the attempt started.
	Agent *models.Agent
	// Attempt is zero for the first run and increments with each retry.
	Attempt int
}

// SignalSink accepts signals for the agent being executed.
type SignalSink interface {
	Send(ctx context.Context, sig Signal) error
}

// Executor performs the work an agent names and reports back through the sink.
// Returning without having sent complete or error counts as complete when the
// returned error is nil and as an error signal otherwise.
type Executor interface {
	Execute(ctx context.Context, run Run, sink SignalSink) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, run Run, sink SignalSink) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, run Run, sink SignalSink) error {
	return f(ctx, run, sink)
}

// agentSink stamps every signal with its agent ID.
type agentSink struct {
	s  *Supervisor
	id string
}

func (a agentSink) Send(ctx context.Context, sig Signal) error {
	sig.AgentID = a.id
	return a.s.HandleSignal(ctx, sig)
}

// Dispatch executes the agents in the given mode and returns once each one,
// including any retries and its replacement, has settled.
//   - sequential: one after another
//   - parallel-async: one goroutine per agent
//   - parallel-threads: bounded by MaxParallel, each worker locked to an OS thread
func (s *Supervisor) Dispatch(ctx context.Context, agentIDs []string, mode models.ConcurrencyMode) error {
	if s.executor == nil {
		return ErrNoExecutor
	}
	s.logger.Log("[supervisor] dispatching %d agents (%s)", len(agentIDs), mode)

	switch mode {
	case models.ConcurrencySequential:
		for _, id := range agentIDs {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.work(ctx, id)
		}
		return nil

	case models.ConcurrencyParallelAsync:
		var wg sync.WaitGroup
		for _, id := range agentIDs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.work(ctx, id)
			}()
		}
		wg.Wait()
		return ctx.Err()

	case models.ConcurrencyParallelThreads:
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.MaxParallel)
		for _, id := range agentIDs {
			g.Go(func() error {
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()
				s.work(gctx, id)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return ctx.Err()

	default:
		return fmt.Errorf("unknown concurrency mode %q", mode)
	}
}

// work runs the agent until it settles, following retries in place and the
// replacement after a reassignment.
func (s *Supervisor) work(ctx context.Context, id string) {
	for id != "" && ctx.Err() == nil {
		gen := s.runOnce(ctx, id)
		id = s.next(ctx, id, gen)
	}
}

// runOnce executes one attempt and returns the generation it ran.
// Returns -1 without running when the agent is not active.
func (s *Supervisor) runOnce(ctx context.Context, id string) int {
	s.mu.Lock()
	a, ok := s.agents[id]
	if !ok || a.Status != models.AgentStatusActive {
		s.mu.Unlock()
		return -1
	}
	gen := s.gens[id]
	runCtx, cancel := context.WithCancel(ctx)
	handle := &runHandle{gen: gen, cancel: cancel}
	s.runs[id] = handle
	run := Run{Agent: a.Clone(), Attempt: a.RetryCount}
	s.mu.Unlock()

	err := s.executor.Execute(runCtx, run, agentSink{s: s, id: id})
	cancel()

	s.mu.Lock()
	if s.runs[id] == handle {
		delete(s.runs, id)
	}
	a = s.agents[id]
	unsettled := a != nil && s.gens[id] == gen && !s.settling[id] &&
		(a.Status == models.AgentStatusActive || a.Status == models.AgentStatusBlocked)
	s.mu.Unlock()

	if !unsettled || ctx.Err() != nil {
		return gen
	}
	if err != nil {
		if _, rerr := s.ReportError(ctx, id, err.Error()); rerr != nil {
			s.logger.Log("[supervisor] could not report error for %s: %v", id, rerr)
		}
	} else if cerr := s.complete(ctx, id); cerr != nil {
		s.logger.Log("[supervisor] could not complete %s: %v", id, cerr)
	}
	return gen
}

// next blocks until the agent either needs another run or has settled.
// It returns the agent to run next, or "" when there is nothing left to run.
func (s *Supervisor) next(ctx context.Context, id string, gen int) string {
	for {
		s.mu.Lock()
		a, ok := s.agents[id]
		if !ok {
			s.mu.Unlock()
			return ""
		}
		switch {
		case a.Status == models.AgentStatusActive && s.gens[id] != gen:
			s.mu.Unlock()
			return id
		case a.Status == models.AgentStatusTerminated:
			replacement := s.replacedBy[id]
			s.mu.Unlock()
			return replacement
		case a.Status.IsTerminal():
			s.mu.Unlock()
			return ""
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ""
		}
	}
}

// WaitSettled blocks until the agent and any replacement reach a terminal state.
// Returns the ID of the agent that settled last.
func (s *Supervisor) WaitSettled(ctx context.Context, id string) (string, error) {
	for {
		s.mu.Lock()
		a, ok := s.agents[id]
		if !ok {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
		if a.Status.IsTerminal() {
			if replacement := s.replacedBy[id]; replacement != "" {
				s.mu.Unlock()
				id = replacement
				continue
			}
			s.mu.Unlock()
			return id, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return id, ctx.Err()
		}
	}
}
