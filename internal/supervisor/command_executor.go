package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	iexec "github.com/ShayCichocki/foreman/internal/exec"
)

// DefaultCommand runs the agent's scope through the claude CLI.
const DefaultCommand = `claude -p "$FOREMAN_SCOPE"`

// maxOutputTail bounds how much process output is kept in an error message.
const maxOutputTail = 2000

// CommandExecutor runs a shell command per agent inside its worktree.
// The agent is described to the command through FOREMAN_* environment variables.
type CommandExecutor struct {
	runner    iexec.CommandRunner
	command   string
	heartbeat time.Duration
}

// NewCommandExecutor creates an executor. heartbeat is the interval at which
// liveness is reported while the process runs; zero disables it.
func NewCommandExecutor(runner iexec.CommandRunner, command string, heartbeat time.Duration) *CommandExecutor {
	if runner == nil {
		runner = iexec.NewRunner()
	}
	if command == "" {
		command = DefaultCommand
	}
	return &CommandExecutor{runner: runner, command: command, heartbeat: heartbeat}
}

// Execute runs the command and signals complete on exit 0, error otherwise.
func (e *CommandExecutor) Execute(ctx context.Context, run Run, sink SignalSink) error {
	a := run.Agent
	env := []string{
		"FOREMAN_AGENT_ID=" + a.ID,
		"FOREMAN_MODULE_ID=" + a.ModuleID,
		"FOREMAN_LOOP_ID=" + a.LoopID,
		"FOREMAN_SCOPE=" + a.Scope,
		"FOREMAN_ATTEMPT=" + strconv.Itoa(run.Attempt),
		"FOREMAN_BRANCH=" + a.Branch,
	}
	if a.LastError != "" {
		env = append(env, "FOREMAN_LAST_ERROR="+a.LastError)
	}

	stop := e.startHeartbeat(ctx, sink)
	out, err := e.runner.Run(ctx, iexec.Shell(a.WorktreePath, e.command, env...))
	stop()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		msg := fmt.Sprintf("command failed: %v", err)
		if tail := outputTail(out); tail != "" {
			msg += ": " + tail
		}
		_ = sink.Send(ctx, Signal{Kind: SignalError, Message: msg})
		return fmt.Errorf("run agent %s: %w", a.ID, err)
	}
	return sink.Send(ctx, Signal{Kind: SignalComplete})
}

// startHeartbeat reports liveness until the returned func is called.
func (e *CommandExecutor) startHeartbeat(ctx context.Context, sink SignalSink) func() {
	if e.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(e.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = sink.Send(ctx, Signal{Kind: SignalHeartbeat})
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// outputTail keeps the last maxOutputTail bytes of output, cut on a rune boundary.
func outputTail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) <= maxOutputTail {
		return s
	}
	start := len(s) - maxOutputTail
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "..." + s[start:]
}

// Verify CommandExecutor implements Executor at compile time.
var _ Executor = (*CommandExecutor)(nil)
