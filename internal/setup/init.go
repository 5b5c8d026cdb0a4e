// Package setup handles warden project initialization.
package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/internal/model"
)

const wardenDir = ".warden"

// Run initializes the .warden/ directory structure in the given project
// directory. projectName defaults to the directory basename.
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, wardenDir)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"logs",
		"locks",
		"outbox",
		"published",
		"quarantine",
		"sessions",
		"projects",
		"skills",
		"agents",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg := model.DefaultConfig()
	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(absDir)
	}
	cfg.Project.Description = fmt.Sprintf("initialized %s", time.Now().UTC().Format(time.RFC3339))
	if err := writeConfig(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	scheduled := "# Scheduled task definitions. Each key becomes a sched_<name> task.\n# Example:\n#   nightly-backup:\n#     subject: run the nightly backup\n#     working_dir: /srv/backup\n#     schedule:\n#       type: recurring\n#       time: \"02:00\"\n"
	if err := os.WriteFile(filepath.Join(base, "scheduled_tasks.yaml"), []byte(scheduled), 0644); err != nil {
		return fmt.Errorf("write scheduled_tasks.yaml: %w", err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}
	return nil
}

func writeConfig(path string, cfg model.Config) error {
	data, err := yamlv3.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
