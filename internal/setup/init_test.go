package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wardenhq/warden/internal/model"
)

func TestRun_CreatesStructure(t *testing.T) {
	dir := t.TempDir()

	if err := Run(dir, "myproject"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(dir, ".warden")
	for _, d := range []string{"logs", "locks", "outbox", "published", "quarantine", "sessions", "projects", "skills", "agents"} {
		info, err := os.Stat(filepath.Join(base, d))
		if err != nil || !info.IsDir() {
			t.Errorf("missing directory %s: %v", d, err)
		}
	}
	for _, f := range []string{"config.yaml", "scheduled_tasks.yaml", filepath.Join("locks", "daemon.lock")} {
		if _, err := os.Stat(filepath.Join(base, f)); err != nil {
			t.Errorf("missing file %s: %v", f, err)
		}
	}

	cfg, err := model.LoadConfig(filepath.Join(base, "config.yaml"))
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Project.Name != "myproject" {
		t.Errorf("project name: got %q", cfg.Project.Name)
	}
	if cfg.Health.MaxRetries != 3 {
		t.Errorf("default max_retries: got %d", cfg.Health.MaxRetries)
	}
}

func TestRun_RefusesExisting(t *testing.T) {
	dir := t.TempDir()
	if err := Run(dir, ""); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := Run(dir, ""); err == nil {
		t.Fatal("second Run should refuse an existing .warden/")
	}
}

func TestRun_DefaultsProjectNameToBasename(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "acme")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := Run(dir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg, err := model.LoadConfig(filepath.Join(dir, ".warden", "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Project.Name != "acme" {
		t.Errorf("project name: got %q", cfg.Project.Name)
	}
}
