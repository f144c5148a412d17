package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/internal/orchestrator"
	"github.com/ShayCichocki/foreman/internal/tui"
)

var (
	runInterval time.Duration
	runTUI      bool
	runDetach   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run autonomous cycles until interrupted",
	Long: `Run an autonomous cycle every interval until the roadmap is exhausted or
the process is interrupted. Cycles are skipped while the orchestrator is paused.

On interrupt the orchestrator is shut down: live agents are terminated and
the system must be initialized again. With --detach the orchestrator is left
resumable instead.

With roadmap.watch enabled, edits to the roadmap file take effect on the
next cycle.`,
	Args: cobra.NoArgs,
	RunE: runLoop,
}

func init() {
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Time between cycles (default orchestration.cycle_interval)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the live progress view")
	runCmd.Flags().BoolVar(&runDetach, "detach", false, "On interrupt, leave the orchestrator resumable instead of shutting it down")
}

func runLoop(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			if !runTUI {
				fmt.Println("\nReceived interrupt, shutting down...")
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	var notifier orchestrator.Notifier = stderrNotifier
	if runTUI {
		notifier = nil
	}
	s, err := openSession(ctx, notifier)
	if err != nil {
		return err
	}

	if s.cfg.Roadmap.Watch {
		s.file.OnReload(func() {
			s.logger.Log("[roadmap] reloaded %s", s.file.Path())
		})
		if err := s.file.Watch(ctx); err != nil {
			log.Printf("[roadmap] WARNING: %v", err)
		}
	}

	interval := runInterval
	if interval <= 0 {
		interval = s.cfg.Orchestration.CycleInterval
	}

	if runTUI {
		err = runWithTUI(ctx, cancel, s, interval)
	} else {
		printStatus("▶", fmt.Sprintf("Running %s every %s (Ctrl+C to stop)", s.sys.ID, interval), color.FgCyan)
		err = runPlain(ctx, s, interval)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, finish(s))
}

// runPlain drives cycles, printing each one as it happens.
func runPlain(ctx context.Context, s *session, interval time.Duration) error {
	sub := s.coord.SubscribeAll(s.cfg.Events.Buffer)
	go func() {
		for e := range sub {
			if e.Type == events.AgentProgress {
				continue
			}
			fmt.Printf("  %s %s\n", color.HiBlackString(e.Timestamp.Format("15:04:05")), tui.DescribeEvent(e))
		}
	}()
	return s.coord.Run(ctx, interval)
}

// runWithTUI drives cycles in the background while the watch view owns the terminal.
func runWithTUI(ctx context.Context, cancel context.CancelFunc, s *session, interval time.Duration) error {
	log.SetOutput(io.Discard)
	defer log.SetOutput(os.Stderr)

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.coord.Run(ctx, interval)
	}()

	program, _ := tui.NewWatchProgram(s.coord,
		tui.WithEvents(s.coord.SubscribeAll(s.cfg.Events.Buffer)),
		tui.WithEscalations(s.coord.Escalations()),
		tui.WithControl(coordinatorControl(ctx, s.coord)),
		tui.WithRefreshRate(s.cfg.TUI.RefreshRate),
	)
	go func() {
		<-ctx.Done()
		program.Quit()
	}()
	_, tuiErr := program.Run()
	cancel()
	return errors.Join(tuiErr, <-runErr)
}

// coordinatorControl maps watch view actions onto coordinator operations.
func coordinatorControl(ctx context.Context, c *orchestrator.Coordinator) tui.ControlHandler {
	return func(action string) error {
		switch {
		case action == "pause":
			return c.Pause(ctx)
		case action == "resume":
			return c.Resume(ctx)
		case strings.HasPrefix(action, "retry:"):
			return c.RetryModule(ctx, strings.TrimPrefix(action, "retry:"))
		default:
			return fmt.Errorf("unknown action %q", action)
		}
	}
}

// finish shuts the orchestrator down, or detaches with --detach.
func finish(s *session) error {
	ctx := context.Background()
	if runDetach || s.coord.Status() == "" {
		printStatus("✓", "Detached, resume with 'foreman run'", color.FgGreen)
		return s.Close(ctx)
	}
	err := s.coord.Shutdown(ctx)
	if errors.Is(err, orchestrator.ErrInvalidTransition) {
		err = nil
	}
	s.logger.Close()
	if err != nil {
		printStatus("⚠", "Shutdown completed with errors", color.FgYellow)
		return err
	}
	printStatus("✓", "Orchestrator shut down", color.FgGreen)
	return nil
}
