package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/internal/config"
)

var configProject bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify foreman configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/foreman/config.yaml
Project-specific overrides can be placed in .foreman.yaml (use --project).
Environment variables override both, e.g. FOREMAN_AGENTS_MAX_RETRIES=5.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			return setConfigKey(cfg, args[0], args[1])
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&configProject, "project", false, "Write to the system's .foreman.yaml instead of the user config")
}

// configKey reads and writes one dot-notation setting.
type configKey struct {
	get func(cfg *config.Config) string
	set func(cfg *config.Config, value string) error
}

var configKeys = map[string]configKey{
	"orchestration.cycle_size":     intKey(func(c *config.Config) *int { return &c.Orchestration.CycleSize }),
	"orchestration.cycle_interval": durationKey(func(c *config.Config) *time.Duration { return &c.Orchestration.CycleInterval }),
	"orchestration.default_loop":   stringKey(func(c *config.Config) *string { return &c.Orchestration.DefaultLoop }),
	"agents.max_retries":           intKey(func(c *config.Config) *int { return &c.Agents.MaxRetries }),
	"agents.retry_delay":           durationKey(func(c *config.Config) *time.Duration { return &c.Agents.RetryDelay }),
	"agents.heartbeat_interval":    durationKey(func(c *config.Config) *time.Duration { return &c.Agents.HeartbeatInterval }),
	"agents.heartbeat_timeout":     durationKey(func(c *config.Config) *time.Duration { return &c.Agents.HeartbeatTimeout }),
	"agents.max_parallel":          intKey(func(c *config.Config) *int { return &c.Agents.MaxParallel }),
	"agents.command":               stringKey(func(c *config.Config) *string { return &c.Agents.Command }),
	"workspace.root":               stringKey(func(c *config.Config) *string { return &c.Workspace.Root }),
	"workspace.branch_prefix":      stringKey(func(c *config.Config) *string { return &c.Workspace.BranchPrefix }),
	"workspace.co_author":          stringKey(func(c *config.Config) *string { return &c.Workspace.CoAuthor }),
	"git.timeout":                  durationKey(func(c *config.Config) *time.Duration { return &c.Git.Timeout }),
	"state.dir":                    stringKey(func(c *config.Config) *string { return &c.State.Dir }),
	"roadmap.path":                 stringKey(func(c *config.Config) *string { return &c.Roadmap.Path }),
	"roadmap.watch":                boolKey(func(c *config.Config) *bool { return &c.Roadmap.Watch }),
	"roadmap.retry_max_elapsed":    durationKey(func(c *config.Config) *time.Duration { return &c.Roadmap.RetryMaxElapsed }),
	"roadmap.breaker_failures":     uint32Key(func(c *config.Config) *uint32 { return &c.Roadmap.BreakerFailures }),
	"events.buffer":                intKey(func(c *config.Config) *int { return &c.Events.Buffer }),
	"tui.refresh_rate":             durationKey(func(c *config.Config) *time.Duration { return &c.TUI.RefreshRate }),
}

func intKey(field func(*config.Config) *int) configKey {
	return configKey{
		get: func(c *config.Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *config.Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid integer %q: %w", v, err)
			}
			*field(c) = n
			return nil
		},
	}
}

func uint32Key(field func(*config.Config) *uint32) configKey {
	return configKey{
		get: func(c *config.Config) string { return strconv.FormatUint(uint64(*field(c)), 10) },
		set: func(c *config.Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return fmt.Errorf("invalid count %q: %w", v, err)
			}
			*field(c) = uint32(n)
			return nil
		},
	}
}

func durationKey(field func(*config.Config) *time.Duration) configKey {
	return configKey{
		get: func(c *config.Config) string { return field(c).String() },
		set: func(c *config.Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", v, err)
			}
			*field(c) = d
			return nil
		},
	}
}

func boolKey(field func(*config.Config) *bool) configKey {
	return configKey{
		get: func(c *config.Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *config.Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid boolean %q: %w", v, err)
			}
			*field(c) = b
			return nil
		},
	}
}

func stringKey(field func(*config.Config) *string) configKey {
	return configKey{
		get: func(c *config.Config) string {
			if *field(c) == "" {
				return "(not set)"
			}
			return *field(c)
		},
		set: func(c *config.Config, v string) error {
			*field(c) = v
			return nil
		},
	}
}

// configKeyNames returns every key in display order.
func configKeyNames() []string {
	names := make([]string, 0, len(configKeys))
	for name := range configKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	for _, name := range configKeyNames() {
		fmt.Printf("%s: %s\n", name, configKeys[name].get(cfg))
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	k, ok := configKeys[strings.ToLower(key)]
	if !ok {
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
	return k.get(cfg), nil
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	k, ok := configKeys[strings.ToLower(key)]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err := k.set(cfg, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// setConfigKey sets a configuration value, validates and saves the config.
func setConfigKey(cfg *config.Config, key, value string) error {
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if configProject {
		sys, err := resolveSystem(flagSystem, flagID)
		if err != nil {
			return err
		}
		if err := config.SaveTo(cfg, filepath.Join(sys.Path, config.ProjectConfigName)); err != nil {
			return fmt.Errorf("saving project config: %w", err)
		}
	} else if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("Set %s = %s\n", key, value)
	return nil
}
