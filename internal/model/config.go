package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Sources   SourcesConfig   `yaml:"sources"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Health    HealthConfig    `yaml:"health"`
	Execute   ExecuteConfig   `yaml:"execute"`
	Publish   PublishConfig   `yaml:"publish"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type SourcesConfig struct {
	ScheduledFile string `yaml:"scheduled_file"`
	SessionsDir   string `yaml:"sessions_dir"`
	ProjectsDir   string `yaml:"projects_dir"`
	SkillsDir     string `yaml:"skills_dir"`
	AgentsDir     string `yaml:"agents_dir"`
}

type AggregateConfig struct {
	// MaxWalkDepth bounds directory recursion so cyclic symlinks
	// terminate rather than hang.
	MaxWalkDepth int `yaml:"max_walk_depth"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxRetries is the retry ceiling: failed tasks at or above it are
	// excluded from automatic remediation and surfaced to the operator.
	MaxRetries  int    `yaml:"max_retries"`
	Parallelism int    `yaml:"parallelism"`
	RulesFile   string `yaml:"rules_file"`
}

type ExecuteConfig struct {
	Runner     string   `yaml:"runner"`
	RunnerArgs []string `yaml:"runner_args"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

type PublishConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type OutboxConfig struct {
	MaxDrafts int `yaml:"max_drafts"`
}

type DaemonConfig struct {
	IntervalSec        int     `yaml:"interval_sec"`
	DebounceSec        float64 `yaml:"debounce_sec"`
	ShutdownTimeoutSec int     `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ApplyDefaults fills zero-valued fields with operational defaults.
func (c *Config) ApplyDefaults() {
	if c.Sources.ScheduledFile == "" {
		c.Sources.ScheduledFile = "scheduled_tasks.yaml"
	}
	if c.Sources.SessionsDir == "" {
		c.Sources.SessionsDir = "sessions"
	}
	if c.Sources.ProjectsDir == "" {
		c.Sources.ProjectsDir = "projects"
	}
	if c.Sources.SkillsDir == "" {
		c.Sources.SkillsDir = "skills"
	}
	if c.Sources.AgentsDir == "" {
		c.Sources.AgentsDir = "agents"
	}
	if c.Aggregate.MaxWalkDepth <= 0 {
		c.Aggregate.MaxWalkDepth = 10
	}
	if c.Health.MaxRetries <= 0 {
		c.Health.MaxRetries = 3
	}
	if c.Health.Parallelism <= 0 {
		c.Health.Parallelism = 4
	}
	if c.Execute.Runner == "" {
		c.Execute.Runner = "claude"
	}
	if c.Execute.TimeoutSec <= 0 {
		c.Execute.TimeoutSec = 300
	}
	if c.Publish.Dir == "" {
		c.Publish.Dir = "published"
	}
	if c.Outbox.MaxDrafts <= 0 {
		c.Outbox.MaxDrafts = 100
	}
	if c.Daemon.IntervalSec <= 0 {
		c.Daemon.IntervalSec = 60
	}
	if c.Daemon.DebounceSec <= 0 {
		c.Daemon.DebounceSec = 1.0
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// DefaultConfig returns a config with all defaults applied.
func DefaultConfig() Config {
	var c Config
	c.Health.Enabled = true
	c.Publish.Enabled = true
	c.ApplyDefaults()
	return c
}

// LoadConfig reads the YAML config at path. A missing file yields the
// defaults; a malformed or invalid file is an error, never a silent
// fallback.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	// Prefill the opt-out booleans so omitting a section keeps the
	// feature on; yaml only overwrites keys that are present.
	var c Config
	c.Health.Enabled = true
	c.Publish.Enabled = true
	if err := yamlv3.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validate.Struct(&c); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	c.ApplyDefaults()
	return c, nil
}
