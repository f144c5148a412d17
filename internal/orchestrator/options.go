package orchestrator

import (
	"path/filepath"
	"time"

	"github.com/ShayCichocki/foreman/internal/config"
	"github.com/ShayCichocki/foreman/internal/events"
	"github.com/ShayCichocki/foreman/internal/git"
	"github.com/ShayCichocki/foreman/internal/roadmap"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/internal/supervisor"
	"github.com/ShayCichocki/foreman/internal/workspace"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// DefaultCycleSize is the most work items one autonomous cycle spawns.
const DefaultCycleSize = 5

// DefaultCycleInterval is the pause between cycles in Run.
const DefaultCycleInterval = time.Minute

// RequiredConfig contains the minimal required configuration for a Coordinator.
type RequiredConfig struct {
	// StateDir holds per-system databases. Empty means state.DefaultStateDir().
	StateDir string
	// Roadmap supplies modules, availability and leverage.
	Roadmap roadmap.Roadmap
}

// Settings tunes the coordinator and the components it builds.
type Settings struct {
	CycleSize     int
	CycleInterval time.Duration
	DefaultLoop   string

	MaxRetries        int
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxParallel       int

	// WorktreeRoot overrides <system>/.foreman/worktrees.
	WorktreeRoot string
	BranchPrefix string
	CoAuthor     string
	GitTimeout   time.Duration

	EventBuffer int
}

// DefaultSettings returns the standard tuning.
func DefaultSettings() Settings {
	return Settings{
		CycleSize:         DefaultCycleSize,
		CycleInterval:     DefaultCycleInterval,
		DefaultLoop:       models.DefaultLoopID,
		MaxRetries:        supervisor.DefaultMaxRetries,
		RetryDelay:        supervisor.DefaultRetryDelay,
		HeartbeatInterval: supervisor.DefaultHeartbeatInterval,
		HeartbeatTimeout:  supervisor.DefaultHeartbeatTimeout,
		MaxParallel:       supervisor.DefaultMaxParallel,
		BranchPrefix:      workspace.DefaultBranchPrefix,
		CoAuthor:          workspace.DefaultCoAuthor,
		GitTimeout:        git.DefaultTimeout,
		EventBuffer:       events.DefaultBufferSize,
	}
}

// SettingsFromConfig maps loaded configuration onto coordinator settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		CycleSize:         cfg.Orchestration.CycleSize,
		CycleInterval:     cfg.Orchestration.CycleInterval,
		DefaultLoop:       cfg.Orchestration.DefaultLoop,
		MaxRetries:        cfg.Agents.MaxRetries,
		RetryDelay:        cfg.Agents.RetryDelay,
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Agents.HeartbeatTimeout,
		MaxParallel:       cfg.Agents.MaxParallel,
		WorktreeRoot:      cfg.Workspace.Root,
		BranchPrefix:      cfg.Workspace.BranchPrefix,
		CoAuthor:          cfg.Workspace.CoAuthor,
		GitTimeout:        cfg.Git.Timeout,
		EventBuffer:       cfg.Events.Buffer,
	}
}

// withDefaults fills unset fields.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.CycleSize <= 0 {
		s.CycleSize = d.CycleSize
	}
	if s.CycleInterval <= 0 {
		s.CycleInterval = d.CycleInterval
	}
	if s.DefaultLoop == "" {
		s.DefaultLoop = d.DefaultLoop
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.RetryDelay < 0 {
		s.RetryDelay = 0
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = d.HeartbeatInterval
	}
	if s.HeartbeatTimeout <= 0 {
		s.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if s.MaxParallel <= 0 {
		s.MaxParallel = d.MaxParallel
	}
	if s.BranchPrefix == "" {
		s.BranchPrefix = d.BranchPrefix
	}
	if s.CoAuthor == "" {
		s.CoAuthor = d.CoAuthor
	}
	if s.EventBuffer <= 0 {
		s.EventBuffer = d.EventBuffer
	}
	return s
}

func (s Settings) worktreeRoot(systemPath string) string {
	if s.WorktreeRoot != "" {
		return s.WorktreeRoot
	}
	return filepath.Join(systemPath, ".foreman", "worktrees")
}

// Option configures a Coordinator. Use With* functions to create Options.
type Option func(*coordinatorOptions)

// coordinatorOptions holds all optional configuration.
type coordinatorOptions struct {
	settings   Settings
	gitFactory git.Factory
	executor   supervisor.Executor
	logger     *DebugLogger
	notifier   Notifier
	store      state.StateStore
	resources  supervisor.ResourceEstimator
}

// WithSettings sets the coordinator tuning. Zero fields keep their defaults,
// except MaxRetries and RetryDelay where zero means none.
func WithSettings(s Settings) Option {
	return func(o *coordinatorOptions) { o.settings = s }
}

// WithGitFactory sets how git runners are created for the system and its worktrees.
func WithGitFactory(f git.Factory) Option {
	return func(o *coordinatorOptions) { o.gitFactory = f }
}

// WithExecutor sets the execution engine. Without one, agents are tracked
// but never run, and only external signals move them.
func WithExecutor(e supervisor.Executor) Option {
	return func(o *coordinatorOptions) { o.executor = e }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *coordinatorOptions) { o.logger = l }
}

// WithNotifier sets who hears about escalations.
func WithNotifier(n Notifier) Option {
	return func(o *coordinatorOptions) { o.notifier = n }
}

// WithStore sets the state store. The coordinator does not close a store it
// was given. Without one, the system database under StateDir is opened.
func WithStore(s state.StateStore) Option {
	return func(o *coordinatorOptions) { o.store = s }
}

// WithResourceEstimator sets the resource check used by the concurrency decision.
func WithResourceEstimator(r supervisor.ResourceEstimator) Option {
	return func(o *coordinatorOptions) { o.resources = r }
}
