// Package exec runs external commands for agent execution.
package exec

import (
	"context"
)

// Command describes one process invocation.
type Command struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Name is the program to run.
	Name string
	// Args are passed to the program.
	Args []string
	// Env is appended to the parent environment.
	Env []string
}

// Shell returns a Command running script through "sh -c".
func Shell(dir, script string, env ...string) Command {
	return Command{Dir: dir, Name: "sh", Args: []string{"-c", script}, Env: env}
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes the command and returns combined stdout/stderr output.
	Run(ctx context.Context, cmd Command) (output []byte, err error)
}

// RunnerFunc adapts a function to CommandRunner.
type RunnerFunc func(ctx context.Context, cmd Command) ([]byte, error)

// Run calls f(ctx, cmd).
func (f RunnerFunc) Run(ctx context.Context, cmd Command) ([]byte, error) {
	return f(ctx, cmd)
}
