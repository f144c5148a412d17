package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Orchestration.CycleSize != 5 {
		t.Errorf("expected cycle size 5, got %d", cfg.Orchestration.CycleSize)
	}
	if cfg.Orchestration.DefaultLoop != "engineering" {
		t.Errorf("expected default loop 'engineering', got %q", cfg.Orchestration.DefaultLoop)
	}
	if cfg.Agents.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.Agents.MaxRetries)
	}
	if cfg.Agents.RetryDelay != 5*time.Second {
		t.Errorf("expected retry delay 5s, got %v", cfg.Agents.RetryDelay)
	}
	if cfg.Agents.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected heartbeat interval 30s, got %v", cfg.Agents.HeartbeatInterval)
	}
	if cfg.Agents.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("expected heartbeat timeout 2m, got %v", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Workspace.BranchPrefix != "module/" {
		t.Errorf("expected branch prefix 'module/', got %q", cfg.Workspace.BranchPrefix)
	}
	if cfg.Roadmap.Path != "roadmap.yaml" || !cfg.Roadmap.Watch {
		t.Errorf("unexpected roadmap defaults: %+v", cfg.Roadmap)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	t.Setenv("WORKSPACE_ROOT", "/scratch")
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
orchestration:
  cycle_size: 2
  cycle_interval: 30s
agents:
  max_retries: 1
  retry_delay: 250ms
  command: claude -p "$FOREMAN_MODULE_ID"
workspace:
  root: ${WORKSPACE_ROOT}/trees
roadmap:
  watch: false
  breaker_failures: 9
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Orchestration.CycleSize != 2 {
		t.Errorf("expected cycle size 2, got %d", cfg.Orchestration.CycleSize)
	}
	if cfg.Orchestration.CycleInterval != 30*time.Second {
		t.Errorf("expected cycle interval 30s, got %v", cfg.Orchestration.CycleInterval)
	}
	if cfg.Agents.MaxRetries != 1 {
		t.Errorf("expected max retries 1, got %d", cfg.Agents.MaxRetries)
	}
	if cfg.Agents.RetryDelay != 250*time.Millisecond {
		t.Errorf("expected retry delay 250ms, got %v", cfg.Agents.RetryDelay)
	}
	if cfg.Workspace.Root != "/scratch/trees" {
		t.Errorf("expected expanded workspace root, got %q", cfg.Workspace.Root)
	}
	if cfg.Roadmap.Watch {
		t.Error("expected roadmap.watch to be false")
	}
	if cfg.Roadmap.BreakerFailures != 9 {
		t.Errorf("expected breaker failures 9, got %d", cfg.Roadmap.BreakerFailures)
	}

	// Unset keys keep their defaults.
	if cfg.Agents.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("expected default heartbeat timeout, got %v", cfg.Agents.HeartbeatTimeout)
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadFromPath_EnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("agents:\n  max_retries: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FOREMAN_AGENTS_MAX_RETRIES", "7")
	t.Setenv("FOREMAN_AGENTS_HEARTBEAT_TIMEOUT", "10m")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Agents.MaxRetries != 7 {
		t.Errorf("expected env override 7, got %d", cfg.Agents.MaxRetries)
	}
	if cfg.Agents.HeartbeatTimeout != 10*time.Minute {
		t.Errorf("expected env override 10m, got %v", cfg.Agents.HeartbeatTimeout)
	}
}

func TestLoad_ProjectOverridesUser(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	userDir := filepath.Join(xdg, "foreman")
	if err := os.MkdirAll(userDir, 0755); err != nil {
		t.Fatal(err)
	}
	userConfig := "orchestration:\n  cycle_size: 3\nagents:\n  max_parallel: 2\n"
	if err := os.WriteFile(filepath.Join(userDir, "config.yaml"), []byte(userConfig), 0644); err != nil {
		t.Fatal(err)
	}

	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, ProjectConfigName), []byte("orchestration:\n  cycle_size: 9\n"), 0644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(project, "svc", "api")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Orchestration.CycleSize != 9 {
		t.Errorf("expected project cycle size 9, got %d", cfg.Orchestration.CycleSize)
	}
	if cfg.Agents.MaxParallel != 2 {
		t.Errorf("expected user max parallel 2, got %d", cfg.Agents.MaxParallel)
	}
	if got := GetProjectConfigPath(); got != filepath.Join(project, ProjectConfigName) {
		t.Errorf("GetProjectConfigPath() = %q", got)
	}
}

func TestSaveTo_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Agents.Command = "make agent"
	cfg.Agents.RetryDelay = 3 * time.Second
	cfg.Roadmap.BreakerFailures = 2

	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}
	got, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if got.Agents.Command != "make agent" || got.Agents.RetryDelay != 3*time.Second || got.Roadmap.BreakerFailures != 2 {
		t.Errorf("round trip lost values: %+v", got)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	dir := getUserConfigDir()
	expected := filepath.Join("/custom/config", "foreman")
	if dir != expected {
		t.Errorf("expected %q, got %q", expected, dir)
	}
	if GetUserConfigPath() != filepath.Join(expected, "config.yaml") {
		t.Errorf("unexpected user config path %q", GetUserConfigPath())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero cycle size", func(c *Config) { c.Orchestration.CycleSize = 0 }, "cycle_size"},
		{"negative retries", func(c *Config) { c.Agents.MaxRetries = -1 }, "max_retries"},
		{"zero parallel", func(c *Config) { c.Agents.MaxParallel = 0 }, "max_parallel"},
		{"timeout below interval", func(c *Config) { c.Agents.HeartbeatTimeout = time.Second }, "heartbeat_timeout"},
		{"zero heartbeat", func(c *Config) { c.Agents.HeartbeatInterval = 0 }, "heartbeat"},
		{"zero buffer", func(c *Config) { c.Events.Buffer = 0 }, "events.buffer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}

	t.Run("zero retries allowed", func(t *testing.T) {
		cfg := Default()
		cfg.Agents.MaxRetries = 0
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() = %v", err)
		}
	})
}
