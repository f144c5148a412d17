// Package config handles configuration loading and management for foreman.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProjectConfigName is the project override file searched upward from the working directory.
const ProjectConfigName = ".foreman.yaml"

// EnvPrefix prefixes environment overrides, e.g. FOREMAN_AGENTS_MAX_RETRIES.
const EnvPrefix = "FOREMAN"

// Config holds all configuration for foreman.
type Config struct {
	Orchestration OrchestrationConfig `mapstructure:"orchestration" yaml:"orchestration"`
	Agents        AgentsConfig        `mapstructure:"agents" yaml:"agents"`
	Workspace     WorkspaceConfig     `mapstructure:"workspace" yaml:"workspace"`
	Git           GitConfig           `mapstructure:"git" yaml:"git"`
	State         StateConfig         `mapstructure:"state" yaml:"state"`
	Roadmap       RoadmapConfig       `mapstructure:"roadmap" yaml:"roadmap"`
	Events        EventsConfig        `mapstructure:"events" yaml:"events"`
	TUI           TUIConfig           `mapstructure:"tui" yaml:"tui"`
}

// OrchestrationConfig holds coordinator scheduling settings.
type OrchestrationConfig struct {
	// CycleSize is the most work items one autonomous cycle spawns.
	CycleSize int `mapstructure:"cycle_size" yaml:"cycle_size"`
	// CycleInterval is the pause between cycles in `foreman run`.
	CycleInterval time.Duration `mapstructure:"cycle_interval" yaml:"cycle_interval"`
	// DefaultLoop is the work protocol given to work items.
	DefaultLoop string `mapstructure:"default_loop" yaml:"default_loop"`
}

// AgentsConfig holds supervisor settings.
type AgentsConfig struct {
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	MaxParallel       int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	// Command is the shell command each agent runs in its worktree.
	// Empty disables execution: agents are spawned but never run.
	Command string `mapstructure:"command" yaml:"command"`
}

// WorkspaceConfig holds worktree settings.
type WorkspaceConfig struct {
	// Root is where worktrees are created. Empty means <system>/.foreman/worktrees.
	Root         string `mapstructure:"root" yaml:"root"`
	BranchPrefix string `mapstructure:"branch_prefix" yaml:"branch_prefix"`
	CoAuthor     string `mapstructure:"co_author" yaml:"co_author"`
}

// GitConfig holds version-control settings.
type GitConfig struct {
	// Timeout bounds every git invocation. Zero disables the bound.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StateConfig holds persistence settings.
type StateConfig struct {
	// Dir holds per-system databases. Empty means $XDG_DATA_HOME/foreman.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// RoadmapConfig holds roadmap source settings.
type RoadmapConfig struct {
	// Path is the roadmap file, relative paths resolve against the system path.
	Path            string        `mapstructure:"path" yaml:"path"`
	Watch           bool          `mapstructure:"watch" yaml:"watch"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed" yaml:"retry_max_elapsed"`
	BreakerFailures uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
}

// EventsConfig holds event plumbing settings.
type EventsConfig struct {
	Buffer int `mapstructure:"buffer" yaml:"buffer"`
}

// TUIConfig holds watch view settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate" yaml:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (FOREMAN_<SECTION>_<KEY>)
// 2. Project config (.foreman.yaml in current directory or parent)
// 3. User config (~/.config/foreman/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific file on top of the defaults.
// Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return decode(v)
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveTo(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveTo writes the configuration to path.
func SaveTo(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	v.Set("orchestration.cycle_size", cfg.Orchestration.CycleSize)
	v.Set("orchestration.cycle_interval", cfg.Orchestration.CycleInterval.String())
	v.Set("orchestration.default_loop", cfg.Orchestration.DefaultLoop)
	v.Set("agents.max_retries", cfg.Agents.MaxRetries)
	v.Set("agents.retry_delay", cfg.Agents.RetryDelay.String())
	v.Set("agents.heartbeat_interval", cfg.Agents.HeartbeatInterval.String())
	v.Set("agents.heartbeat_timeout", cfg.Agents.HeartbeatTimeout.String())
	v.Set("agents.max_parallel", cfg.Agents.MaxParallel)
	v.Set("agents.command", cfg.Agents.Command)
	v.Set("workspace.root", cfg.Workspace.Root)
	v.Set("workspace.branch_prefix", cfg.Workspace.BranchPrefix)
	v.Set("workspace.co_author", cfg.Workspace.CoAuthor)
	v.Set("git.timeout", cfg.Git.Timeout.String())
	v.Set("state.dir", cfg.State.Dir)
	v.Set("roadmap.path", cfg.Roadmap.Path)
	v.Set("roadmap.watch", cfg.Roadmap.Watch)
	v.Set("roadmap.retry_max_elapsed", cfg.Roadmap.RetryMaxElapsed.String())
	v.Set("roadmap.breaker_failures", cfg.Roadmap.BreakerFailures)
	v.Set("events.buffer", cfg.Events.Buffer)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Orchestration.CycleSize <= 0 {
		errs = append(errs, fmt.Errorf("orchestration.cycle_size must be positive, got %d", c.Orchestration.CycleSize))
	}
	if c.Agents.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("agents.max_retries must not be negative, got %d", c.Agents.MaxRetries))
	}
	if c.Agents.MaxParallel <= 0 {
		errs = append(errs, fmt.Errorf("agents.max_parallel must be positive, got %d", c.Agents.MaxParallel))
	}
	if c.Agents.HeartbeatInterval <= 0 || c.Agents.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("agents heartbeat interval and timeout must be positive"))
	} else if c.Agents.HeartbeatTimeout < c.Agents.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("agents.heartbeat_timeout (%s) is shorter than heartbeat_interval (%s)",
			c.Agents.HeartbeatTimeout, c.Agents.HeartbeatInterval))
	}
	if c.Events.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("events.buffer must be positive, got %d", c.Events.Buffer))
	}
	return errors.Join(errs...)
}

// newViper returns a viper instance with defaults and FOREMAN_* env binding.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.State.Dir = os.ExpandEnv(cfg.State.Dir)
	cfg.Workspace.Root = os.ExpandEnv(cfg.Workspace.Root)
	return cfg, nil
}

// setDefaults configures default values. Every key must have a default so
// AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("orchestration.cycle_size", d.Orchestration.CycleSize)
	v.SetDefault("orchestration.cycle_interval", d.Orchestration.CycleInterval.String())
	v.SetDefault("orchestration.default_loop", d.Orchestration.DefaultLoop)

	v.SetDefault("agents.max_retries", d.Agents.MaxRetries)
	v.SetDefault("agents.retry_delay", d.Agents.RetryDelay.String())
	v.SetDefault("agents.heartbeat_interval", d.Agents.HeartbeatInterval.String())
	v.SetDefault("agents.heartbeat_timeout", d.Agents.HeartbeatTimeout.String())
	v.SetDefault("agents.max_parallel", d.Agents.MaxParallel)
	v.SetDefault("agents.command", d.Agents.Command)

	v.SetDefault("workspace.root", d.Workspace.Root)
	v.SetDefault("workspace.branch_prefix", d.Workspace.BranchPrefix)
	v.SetDefault("workspace.co_author", d.Workspace.CoAuthor)

	v.SetDefault("git.timeout", d.Git.Timeout.String())

	v.SetDefault("state.dir", d.State.Dir)

	v.SetDefault("roadmap.path", d.Roadmap.Path)
	v.SetDefault("roadmap.watch", d.Roadmap.Watch)
	v.SetDefault("roadmap.retry_max_elapsed", d.Roadmap.RetryMaxElapsed.String())
	v.SetDefault("roadmap.breaker_failures", d.Roadmap.BreakerFailures)

	v.SetDefault("events.buffer", d.Events.Buffer)

	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
}

// getUserConfigDir returns the XDG config directory for foreman.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "foreman")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "foreman")
	}
	return filepath.Join(home, ".config", "foreman")
}

// findProjectConfig searches for .foreman.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Orchestration: OrchestrationConfig{
			CycleSize:     5,
			CycleInterval: time.Minute,
			DefaultLoop:   "engineering",
		},
		Agents: AgentsConfig{
			MaxRetries:        3,
			RetryDelay:        5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  2 * time.Minute,
			MaxParallel:       8,
			Command:           "",
		},
		Workspace: WorkspaceConfig{
			BranchPrefix: "module/",
			CoAuthor:     "Co-Authored-By: foreman <foreman@localhost>",
		},
		Git: GitConfig{
			Timeout: 2 * time.Minute,
		},
		Roadmap: RoadmapConfig{
			Path:            "roadmap.yaml",
			Watch:           true,
			RetryMaxElapsed: 30 * time.Second,
			BreakerFailures: 5,
		},
		Events: EventsConfig{
			Buffer: 256,
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}
