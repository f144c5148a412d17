package main

import (
	"context"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/internal/tui"
)

var watchPoll time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow orchestrator progress live",
	Long: `Open a live view of the system's orchestrator: the status panel, live
agents, escalations and recent activity.

The view reads persisted state, so it can follow a 'foreman run' started in
another terminal. Press q to exit.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchPoll, "poll", time.Second, "How often to check for new events")
}

func runWatch(cmd *cobra.Command, args []string) error {
	view, cfg, closeDB, err := openStateView()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	// Log output would corrupt the alternate screen.
	log.SetOutput(io.Discard)
	defer log.SetOutput(os.Stderr)

	program, _ := tui.NewWatchProgram(view,
		tui.WithEvents(view.Poll(ctx, watchPoll)),
		tui.WithRefreshRate(cfg.TUI.RefreshRate),
	)
	_, err = program.Run()
	return err
}
