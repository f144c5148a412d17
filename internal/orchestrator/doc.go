// Package orchestrator is the durable, resumable root of a foreman system.
//
// A Coordinator owns one Orchestrator document per system. It pulls ranked
// work from a roadmap, hands each work item to the supervisor as an agent in
// its own worktree, and tracks modules through pending, in-progress and
// completed as agents finish or escalate.
//
// Every component reports through a single typed event stream that the
// Coordinator drains into the append-only log, the state store and the
// subscriber bus:
//
//	c, err := orchestrator.New(orchestrator.RequiredConfig{Roadmap: rm})
//	orch, err := c.InitializeOrchestrator(ctx, "billing", "/src/billing")
//	result, err := c.RunAutonomousCycle(ctx)
//	defer c.Close(ctx)
package orchestrator
