package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/pkg/models"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop scheduling new work",
	Long: `Pause the orchestrator. No new agents are spawned until it is resumed.
Agents already running are not affected.

This acts on the persisted orchestrator. To pause a live 'foreman run',
press p in its --tui view.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			if err := s.coord.Pause(ctx); err != nil {
				return err
			}
			printStatus("⏸", fmt.Sprintf("Orchestrator for %s paused", s.sys.ID), color.FgYellow)
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-enable scheduling after pause",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Initializing a paused orchestrator resumes it.
		return withSession(cmd, func(ctx context.Context, s *session) error {
			if st := s.coord.Status(); st != models.OrchestratorActive {
				return fmt.Errorf("orchestrator is %s", st)
			}
			printStatus("▶", fmt.Sprintf("Orchestrator for %s active", s.sys.ID), color.FgGreen)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <module>",
	Short: "Requeue an escalated module",
	Long: `Move a module whose work failed and was escalated back to the pending
queue. The next cycle schedules it again with a fresh agent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			if err := s.coord.RetryModule(ctx, args[0]); err != nil {
				return err
			}
			printStatus("↻", fmt.Sprintf("Module %s requeued", args[0]), color.FgGreen)
			return nil
		})
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Terminate all agents and stop the orchestrator",
	Long: `Terminate every live agent and mark the orchestrator terminated.
A terminated orchestrator is not resumed: the next 'foreman init' creates
a new one from the roadmap.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		s, err := openSession(ctx, stderrNotifier)
		if err != nil {
			return err
		}
		defer s.logger.Close()
		if err := s.coord.Shutdown(ctx); err != nil {
			printStatus("⚠", "Shutdown completed with errors", color.FgYellow)
			return err
		}
		printStatus("■", fmt.Sprintf("Orchestrator for %s terminated", s.sys.ID), color.FgRed)
		return nil
	},
}

// withSession opens the system's orchestrator, runs fn and detaches.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, stderrNotifier)
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, s), s.Close(context.WithoutCancel(ctx)))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
