package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/foreman/internal/orchestrator"
	"github.com/ShayCichocki/foreman/pkg/models"
)

var (
	statusFormat string
	statusWidth  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator progress",
	Long: `Display the persisted state of the system's orchestrator.

Shows:
  - Orchestrator status and main branch
  - Modules completed, in progress and pending
  - Agents by status and the work queue
  - Live agents and their progress

Reading status never resumes a paused orchestrator.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "text", "Output format: text, yaml or json")
	statusCmd.Flags().IntVar(&statusWidth, "width", orchestrator.DefaultViewWidth, "Panel width for text output")
}

// statusReport is the structured form of `foreman status`.
type statusReport struct {
	Summary orchestrator.ProgressSummary `json:"summary" yaml:"summary"`
	Agents  []agentRow                   `json:"agents" yaml:"agents"`
}

// agentRow is one live agent in a status report.
type agentRow struct {
	ID         string             `json:"id" yaml:"id"`
	ModuleID   string             `json:"module_id" yaml:"module_id"`
	Status     models.AgentStatus `json:"status" yaml:"status"`
	Phase      string             `json:"phase,omitempty" yaml:"phase,omitempty"`
	Percent    float64            `json:"percent" yaml:"percent"`
	RetryCount int                `json:"retry_count" yaml:"retry_count"`
	LastError  string             `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Worktree   string             `json:"worktree,omitempty" yaml:"worktree,omitempty"`
}

func newStatusReport(summary orchestrator.ProgressSummary, agents []*models.Agent) statusReport {
	r := statusReport{Summary: summary, Agents: make([]agentRow, 0, len(agents))}
	for _, a := range agents {
		r.Agents = append(r.Agents, agentRow{
			ID:         a.ID,
			ModuleID:   a.ModuleID,
			Status:     a.Status,
			Phase:      a.Phase,
			Percent:    a.Progress.Percent,
			RetryCount: a.RetryCount,
			LastError:  a.LastError,
			Worktree:   a.WorktreePath,
		})
	}
	return r
}

func runStatus(cmd *cobra.Command, args []string) error {
	view, _, closeDB, err := openStateView()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := commandContext(cmd)
	summary, err := view.Summary(ctx)
	if err != nil {
		return err
	}
	agents, err := view.LiveAgents()
	if err != nil {
		return err
	}

	out, err := formatStatus(statusFormat, summary, agents, statusWidth)
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, out)
	return nil
}

// formatStatus renders a status report in the requested format.
func formatStatus(format string, summary orchestrator.ProgressSummary, agents []*models.Agent, width int) (string, error) {
	switch format {
	case "", "text":
		return orchestrator.RenderTerminalView(summary, agents, width), nil
	case "yaml":
		data, err := yaml.Marshal(newStatusReport(summary, agents))
		if err != nil {
			return "", fmt.Errorf("encode status: %w", err)
		}
		return string(data), nil
	case "json":
		data, err := json.MarshalIndent(newStatusReport(summary, agents), "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode status: %w", err)
		}
		return string(data) + "\n", nil
	default:
		return "", fmt.Errorf("unknown format %q: must be text, yaml or json", format)
	}
}
