package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/internal/orchestrator"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// maxLogEntries is how many activity lines the watch view keeps.
const maxLogEntries = 200

// visibleLogEntries is how many activity lines are drawn.
const visibleLogEntries = 8

// DefaultRefreshRate is how often the status panel is re-read.
const DefaultRefreshRate = 500 * time.Millisecond

// Source is the read side of a coordinator.
type Source interface {
	GetProgressSummary() (orchestrator.ProgressSummary, error)
	LiveAgents() ([]*models.Agent, error)
}

// ControlHandler performs an operator action ("pause", "resume" or
// "retry:<module>") and reports whether it failed.
type ControlHandler func(action string) error

// SnapshotMsg carries a fresh read of the coordinator.
type SnapshotMsg struct {
	Summary orchestrator.ProgressSummary
	Agents  []*models.Agent
	Err     error
}

// EventMsg carries one orchestration event.
type EventMsg struct {
	Event events.Event
}

// EscalationMsg carries an escalation raised by a failed agent.
type EscalationMsg struct {
	Escalation orchestrator.Escalation
}

// DoneMsg is sent when the watched coordinator goes away.
type DoneMsg struct {
	Err error
}

type refreshMsg struct{}

// LogEntry is one line of the activity log.
type LogEntry struct {
	Timestamp time.Time
	Topic     string
	Message   string
}

// WatchApp is the bubbletea model behind `foreman watch`.
type WatchApp struct {
	source      Source
	events      <-chan events.Event
	escalations <-chan orchestrator.Escalation
	control     ControlHandler
	refresh     time.Duration

	summary    orchestrator.ProgressSummary
	agents     []*models.Agent
	logs       []LogEntry
	escalation *orchestrator.Escalation
	spinner    spinner.Model
	width      int
	height     int
	quitting   bool
	done       bool
	err        error

	// Styles
	titleStyle      lipgloss.Style
	logStyle        lipgloss.Style
	logTimeStyle    lipgloss.Style
	topicStyles     map[string]lipgloss.Style
	errorStyle      lipgloss.Style
	doneStyle       lipgloss.Style
	hintStyle       lipgloss.Style
	escalationStyle lipgloss.Style
	keyStyle        lipgloss.Style
}

// WatchOption configures a WatchApp.
type WatchOption func(*WatchApp)

// WithEvents feeds the activity log from an event subscription.
func WithEvents(ch <-chan events.Event) WatchOption {
	return func(a *WatchApp) { a.events = ch }
}

// WithEscalations shows escalations as they are raised.
func WithEscalations(ch <-chan orchestrator.Escalation) WatchOption {
	return func(a *WatchApp) { a.escalations = ch }
}

// WithControl enables the pause, resume and retry keys.
func WithControl(h ControlHandler) WatchOption {
	return func(a *WatchApp) { a.control = h }
}

// WithRefreshRate sets how often the status panel is re-read.
func WithRefreshRate(d time.Duration) WatchOption {
	return func(a *WatchApp) {
		if d > 0 {
			a.refresh = d
		}
	}
}

// NewWatchApp creates a WatchApp reading from src.
func NewWatchApp(src Source, opts ...WatchOption) *WatchApp {
	a := &WatchApp{
		source:  src,
		refresh: DefaultRefreshRate,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("205"))),
		),

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")),

		logStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),

		logTimeStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		topicStyles: map[string]lipgloss.Style{
			events.TopicOrchestrator: lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Width(13),
			events.TopicAgent:        lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Width(13),
			events.TopicWorktree:     lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Width(13),
			events.TopicWork:         lipgloss.NewStyle().Foreground(lipgloss.Color("34")).Width(13),
			events.TopicFailure:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Width(13),
		},

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		doneStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")).
			Bold(true),

		hintStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		escalationStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1),

		keyStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("214")).
			Bold(true).
			Padding(0, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewWatchProgram creates the bubbletea program for a WatchApp.
func NewWatchProgram(src Source, opts ...WatchOption) (*tea.Program, *WatchApp) {
	app := NewWatchApp(src, opts...)
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}

// Init implements tea.Model.
func (a *WatchApp) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.snapshot, a.nextEvent(), a.nextEscalation())
}

// Update implements tea.Model.
func (a *WatchApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a, a.handleKey(msg.String())

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height

	case SnapshotMsg:
		if msg.Err != nil {
			a.err = msg.Err
		} else {
			a.summary, a.agents, a.err = msg.Summary, msg.Agents, nil
		}
		if a.done {
			return a, nil
		}
		return a, tea.Tick(a.refresh, func(time.Time) tea.Msg { return refreshMsg{} })

	case refreshMsg:
		return a, a.snapshot

	case EventMsg:
		a.addEvent(msg.Event)
		return a, a.nextEvent()

	case EscalationMsg:
		esc := msg.Escalation
		a.escalation = &esc
		a.addLog(events.TopicFailure, fmt.Sprintf("module %s escalated: %s", esc.ModuleID, esc.LastError))
		return a, a.nextEscalation()

	case DoneMsg:
		a.done = true
		if msg.Err != nil {
			a.err = msg.Err
		}
		return a, a.snapshot

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	return a, nil
}

func (a *WatchApp) handleKey(key string) tea.Cmd {
	switch key {
	case "q", "ctrl+c":
		a.quitting = true
		return tea.Quit
	case "p":
		a.runControl("pause")
	case "r":
		a.runControl("resume")
	case "t":
		if a.escalation != nil {
			if a.runControl("retry:" + a.escalation.ModuleID) {
				a.escalation = nil
			}
		}
	case "x":
		a.escalation = nil
	default:
		return nil
	}
	return a.snapshot
}

// runControl forwards an operator action and logs the outcome.
func (a *WatchApp) runControl(action string) bool {
	if a.control == nil {
		return false
	}
	if err := a.control(action); err != nil {
		a.addLog("control", fmt.Sprintf("%s failed: %v", action, err))
		return false
	}
	a.addLog("control", action)
	return true
}

func (a *WatchApp) snapshot() tea.Msg {
	summary, err := a.source.GetProgressSummary()
	if err != nil {
		return SnapshotMsg{Err: err}
	}
	agents, err := a.source.LiveAgents()
	return SnapshotMsg{Summary: summary, Agents: agents, Err: err}
}

// nextEvent waits for one event. A closed subscription ends the watch.
func (a *WatchApp) nextEvent() tea.Cmd {
	if a.events == nil {
		return nil
	}
	ch := a.events
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return DoneMsg{}
		}
		return EventMsg{Event: e}
	}
}

func (a *WatchApp) nextEscalation() tea.Cmd {
	if a.escalations == nil {
		return nil
	}
	ch := a.escalations
	return func() tea.Msg {
		esc, ok := <-ch
		if !ok {
			return nil
		}
		return EscalationMsg{Escalation: esc}
	}
}

func (a *WatchApp) addEvent(e events.Event) {
	if e.Type == events.AgentProgress {
		return
	}
	a.addLog(e.Topic(), DescribeEvent(e))
	if e.Type == events.OrchestratorTerminated {
		a.done = true
	}
}

func (a *WatchApp) addLog(topic, message string) {
	a.logs = append(a.logs, LogEntry{Timestamp: time.Now(), Topic: topic, Message: message})
	if len(a.logs) > maxLogEntries {
		a.logs = a.logs[len(a.logs)-maxLogEntries:]
	}
}

// DescribeEvent renders an event as one activity line.
func DescribeEvent(e events.Event) string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.ModuleID != "" {
		fmt.Fprintf(&b, " module=%s", e.ModuleID)
	}
	if e.AgentID != "" {
		id := e.AgentID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(&b, " agent=%s", id)
	}
	for _, key := range []string{"from", "mode", "attempt", "error"} {
		if v, ok := e.Payload[key]; ok {
			fmt.Fprintf(&b, " %s=%v", key, v)
		}
	}
	return b.String()
}

// Logs returns the activity log.
func (a *WatchApp) Logs() []LogEntry {
	return a.logs
}

// Summary returns the last snapshot read.
func (a *WatchApp) Summary() orchestrator.ProgressSummary {
	return a.summary
}

// View implements tea.Model.
func (a *WatchApp) View() string {
	if a.quitting {
		return "Stopped watching.\n"
	}

	var b strings.Builder

	title := a.titleStyle.Render("foreman watch")
	if !a.done {
		title = a.spinner.View() + " " + title
	}
	b.WriteString(title)
	b.WriteString("\n\n")

	if a.summary.OrchestratorID != "" {
		b.WriteString(orchestrator.RenderTerminalView(a.summary, a.agents, orchestrator.DefaultViewWidth))
		b.WriteString("\n")
	}

	if a.escalation != nil {
		b.WriteString(a.renderEscalation())
		b.WriteString("\n")
	}

	b.WriteString(a.renderLogs())

	b.WriteString("\n")
	switch {
	case a.err != nil:
		b.WriteString(a.errorStyle.Render(fmt.Sprintf("Error: %v", a.err)))
	case a.done:
		b.WriteString(a.doneStyle.Render("Orchestrator stopped. Press q to exit."))
	case a.control != nil:
		b.WriteString(a.hintStyle.Render("p pause · r resume · q quit"))
	default:
		b.WriteString(a.hintStyle.Render("q quit"))
	}
	b.WriteString("\n")

	return b.String()
}

func (a *WatchApp) renderEscalation() string {
	esc := a.escalation
	body := fmt.Sprintf("Module %s needs attention\nagent %s: %s", esc.ModuleID, esc.AgentID, esc.LastError)
	if a.control != nil {
		body += "\n\n" + a.keyStyle.Render("t") + " retry  " + a.keyStyle.Render("x") + " dismiss"
	}
	return a.escalationStyle.Render(body)
}

// renderLogs renders the most recent activity.
func (a *WatchApp) renderLogs() string {
	if len(a.logs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("252")).
		Render("Activity"))
	b.WriteString("\n")

	start := 0
	if len(a.logs) > visibleLogEntries {
		start = len(a.logs) - visibleLogEntries
	}
	for _, entry := range a.logs[start:] {
		style, ok := a.topicStyles[entry.Topic]
		if !ok {
			style = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Width(13)
		}
		fmt.Fprintf(&b, "  %s %s %s\n",
			a.logTimeStyle.Render(entry.Timestamp.Format("15:04:05")),
			style.Render(entry.Topic),
			a.logStyle.Render(entry.Message))
	}
	return b.String()
}
