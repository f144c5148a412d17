package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/ShayCichocki/foreman/internal/config"
	iexec "github.com/ShayCichocki/foreman/internal/exec"
	"github.com/ShayCichocki/foreman/internal/orchestrator"
	"github.com/ShayCichocki/foreman/internal/roadmap"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/internal/supervisor"
)

// system identifies the repository a command operates on.
type system struct {
	ID   string
	Path string
}

// resolveSystem turns the --system and --id flags into an absolute path and
// an identifier. The identifier defaults to the repository directory name.
func resolveSystem(path, id string) (system, error) {
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return system{}, fmt.Errorf("resolve system path: %w", err)
	}
	if id = strings.TrimSpace(id); id == "" {
		id = filepath.Base(abs)
	}
	if id == "" || id == string(filepath.Separator) || id == "." {
		return system{}, fmt.Errorf("cannot derive a system ID from %s, pass --id", abs)
	}
	return system{ID: id, Path: abs}, nil
}

// loadConfig loads and validates configuration, applying the state-dir flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flagStateDir != "" {
		cfg.State.Dir = flagStateDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// roadmapPath resolves the roadmap file against the system root.
func roadmapPath(cfg *config.Config, sys system) string {
	path := flagRoadmap
	if path == "" {
		path = cfg.Roadmap.Path
	}
	if path == "" {
		path = roadmap.DefaultFileName
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(sys.Path, path)
	}
	return path
}

// openRoadmap loads the roadmap file and wraps it with retries and a breaker.
func openRoadmap(cfg *config.Config, sys system) (*roadmap.FileRoadmap, roadmap.Roadmap, error) {
	file, err := roadmap.LoadFile(roadmapPath(cfg, sys))
	if err != nil {
		return nil, nil, err
	}
	rc := roadmap.DefaultRetryConfig()
	if cfg.Roadmap.RetryMaxElapsed > 0 {
		rc.MaxElapsedTime = cfg.Roadmap.RetryMaxElapsed
	}
	if cfg.Roadmap.BreakerFailures > 0 {
		rc.BreakerFailures = cfg.Roadmap.BreakerFailures
	}
	return file, roadmap.NewResilient(file, rc), nil
}

// session is an initialized coordinator owned by this process.
type session struct {
	cfg    *config.Config
	sys    system
	file   *roadmap.FileRoadmap
	coord  *orchestrator.Coordinator
	logger *orchestrator.DebugLogger
}

// openSession initializes (or resumes) the orchestrator of the selected system.
// Agents are only executed when agents.command is configured. A nil notifier
// leaves escalations on the coordinator's channel only.
func openSession(ctx context.Context, notifier orchestrator.Notifier) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	sys, err := resolveSystem(flagSystem, flagID)
	if err != nil {
		return nil, err
	}
	file, rm, err := openRoadmap(cfg, sys)
	if err != nil {
		return nil, err
	}

	logger := orchestrator.NewDebugLoggerForSystem(sys.Path)
	opts := []orchestrator.Option{
		orchestrator.WithSettings(orchestrator.SettingsFromConfig(cfg)),
		orchestrator.WithLogger(logger),
	}
	if notifier != nil {
		opts = append(opts, orchestrator.WithNotifier(notifier))
	}
	if cfg.Agents.Command != "" {
		opts = append(opts, orchestrator.WithExecutor(
			supervisor.NewCommandExecutor(iexec.NewRunner(), cfg.Agents.Command, cfg.Agents.HeartbeatInterval/2)))
	}

	coord, err := orchestrator.New(orchestrator.RequiredConfig{StateDir: cfg.State.Dir, Roadmap: rm}, opts...)
	if err != nil {
		logger.Close()
		return nil, err
	}
	if _, err := coord.InitializeOrchestrator(ctx, sys.ID, sys.Path); err != nil {
		logger.Close()
		return nil, fmt.Errorf("initialize orchestrator: %w", err)
	}
	return &session{cfg: cfg, sys: sys, file: file, coord: coord, logger: logger}, nil
}

// Close detaches from the orchestrator, leaving its persisted state in place.
func (s *session) Close(ctx context.Context) error {
	err := s.coord.Close(ctx)
	s.logger.Close()
	return err
}

// openStateView opens the system's database for reading without resuming it.
func openStateView() (*orchestrator.StateView, *config.Config, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	sys, err := resolveSystem(flagSystem, flagID)
	if err != nil {
		return nil, nil, nil, err
	}
	stateDir := cfg.State.Dir
	if stateDir == "" {
		stateDir = state.DefaultStateDir()
	}
	dbPath := state.SystemDBPath(stateDir, sys.ID)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, nil, nil, fmt.Errorf("no orchestrator for system %s. Run 'foreman init' first", sys.ID)
	}
	db, err := state.OpenSystem(stateDir, sys.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return orchestrator.NewStateView(db, sys.ID), cfg, db.Close, nil
}

// stderrNotifier prints escalations raised by this process.
var stderrNotifier = orchestrator.NotifierFunc(printEscalation)

func printEscalation(_ context.Context, esc orchestrator.Escalation) error {
	red := color.New(color.FgRed, color.Bold)
	red.Fprintf(os.Stderr, "\n! Escalation: module %s needs attention\n", esc.ModuleID)
	fmt.Fprintf(os.Stderr, "  agent:  %s\n", esc.AgentID)
	if esc.LastError != "" {
		fmt.Fprintf(os.Stderr, "  error:  %s\n", esc.LastError)
	}
	fmt.Fprintf(os.Stderr, "  Retry with: foreman retry %s\n\n", esc.ModuleID)
	return nil
}

// printStatus prints a status line with a colored symbol.
func printStatus(symbol, message string, c color.Attribute) {
	colored := color.New(c).SprintFunc()
	fmt.Printf("%s %s\n", colored(symbol), message)
}
