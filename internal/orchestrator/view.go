package orchestrator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// DefaultViewWidth is the width of the terminal status panel in columns.
const DefaultViewWidth = 60

// minViewWidth fits the widest fixed label.
const minViewWidth = 40

// GenerateTerminalView renders the status panel for the current state.
func (c *Coordinator) GenerateTerminalView() (string, error) {
	summary, err := c.GetProgressSummary()
	if err != nil {
		return "", err
	}
	agents, err := c.LiveAgents()
	if err != nil {
		return "", err
	}
	return RenderTerminalView(summary, agents, DefaultViewWidth), nil
}

// RenderTerminalView formats a bordered panel exactly width columns wide.
// Every line, borders included, has the same rune count.
func RenderTerminalView(s ProgressSummary, agents []*models.Agent, width int) string {
	if width < minViewWidth {
		width = minViewWidth
	}
	inner := width - 4

	var b strings.Builder
	rule := func(left, right string) {
		b.WriteString(left + strings.Repeat("═", width-2) + right + "\n")
	}
	line := func(format string, args ...any) {
		text := fit(fmt.Sprintf(format, args...), inner)
		b.WriteString("║ " + text + strings.Repeat(" ", inner-utf8.RuneCountInString(text)) + " ║\n")
	}

	rule("╔", "╗")
	line("FOREMAN  %s", s.SystemID)
	line("status: %s   branch: %s", s.Status, s.MainBranch)
	rule("╠", "╣")
	line("modules  %d/%d complete (%.1f%%)", s.ModulesCompleted, s.ModulesTotal, s.PercentComplete)
	line("%s", progressBar(s.PercentComplete, inner))
	line("in progress %d   pending %d", s.ModulesInProgress, s.ModulesPending)
	rule("╠", "╣")
	line("agents   live %d   total %d   failed %d",
		s.Agents.ActiveCount, s.Agents.Total, s.Agents.ByStatus[models.AgentStatusFailed])
	line("queue    pending %d   running %d   done %d   failed %d",
		s.Queue.Pending, s.Queue.InProgress, s.Queue.Completed, s.Queue.Failed)
	if s.LastDecision != nil {
		line("mode     %s", s.LastDecision.Mode)
	}
	rule("╠", "╣")
	if len(agents) == 0 {
		line("no live agents")
	}
	for _, a := range agents {
		line("%-8s %-20s %-9s %3.0f%%", shortID(a.ID), fit(a.ModuleID, 20), a.Status, a.Progress.Percent)
	}
	rule("╚", "╝")
	return b.String()
}

// progressBar draws a bar of n cells for a 0-100 percentage.
func progressBar(pct float64, n int) string {
	cells := n - 2
	filled := int(pct / 100 * float64(cells))
	if filled < 0 {
		filled = 0
	}
	if filled > cells {
		filled = cells
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", cells-filled) + "]"
}

// fit truncates s to n runes, marking the cut with an ellipsis.
func fit(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
