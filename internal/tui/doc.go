// Package tui provides the live terminal view behind `foreman watch` and
// `foreman run --tui`.
//
// The view shows the orchestrator status panel, live agents, the latest
// escalation and an activity log of recent events. It reads from a Source,
// either a Coordinator in the same process or a StateView over the system's
// database, and re-reads it every refresh interval.
//
// Usage:
//
//	program, app := tui.NewWatchProgram(coord,
//	    tui.WithEvents(coord.SubscribeAll(256)),
//	    tui.WithEscalations(coord.Escalations()),
//	    tui.WithControl(handler),
//	)
//	if _, err := program.Run(); err != nil {
//	    return err
//	}
//	_ = app.Logs()
//
// With a ControlHandler the operator can pause (p), resume (r) and retry an
// escalated module (t). Without one the view is read-only. q or Ctrl+C quits.
package tui
