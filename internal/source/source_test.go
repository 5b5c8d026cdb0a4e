package source

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wardenhq/warden/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScheduledReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduled_tasks.yaml")
	writeFile(t, path, `
tasks:
  - name: nightly backup
    prompt: back up the database
    working_dir: /srv/db
    schedule:
      type: recurring
      time: "02:00"
  - name: weekly report
    subject: generate weekly report
    working_dir: /srv/reports
`)

	r := NewScheduledReader(path)
	tasks, errs := r.Read()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}

	first := tasks[0]
	if first.ID != "sched_nightly-backup" {
		t.Errorf("id: got %q", first.ID)
	}
	if first.Source != model.SourceScheduled {
		t.Errorf("source: got %q", first.Source)
	}
	if first.Status != model.StatusPending {
		t.Errorf("status: got %q, want pending", first.Status)
	}
	if first.Subject != "nightly backup" {
		t.Errorf("subject: got %q", first.Subject)
	}
	if first.Description != "back up the database" {
		t.Errorf("description: got %q", first.Description)
	}
	if first.Schedule == nil || first.Schedule.Type != "recurring" {
		t.Errorf("schedule not carried over: %+v", first.Schedule)
	}
	if first.LastUpdated == "" {
		t.Error("last_updated should fall back to file mtime")
	}
}

func TestScheduledReader_MissingFileIsEmpty(t *testing.T) {
	r := NewScheduledReader(filepath.Join(t.TempDir(), "absent.yaml"))
	tasks, errs := r.Read()
	if len(tasks) != 0 || len(errs) != 0 {
		t.Errorf("missing file should be an empty source, got %d tasks %d errs", len(tasks), len(errs))
	}
}

func TestScheduledReader_MissingWorkingDirRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduled_tasks.yaml")
	writeFile(t, path, `
tasks:
  - name: bad task
    prompt: no working dir here
`)
	tasks, errs := NewScheduledReader(path).Read()
	if len(tasks) != 0 {
		t.Errorf("task without working_dir must be rejected, got %d tasks", len(tasks))
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 validation error, got %d", len(errs))
	}
}

func TestSessionReader(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "abc123", "tasks.json"), `{
  "session_id": "abc123",
  "tasks": [
    {"key": "deploy", "subject": "deploy service", "status": "failed",
     "working_dir": "/srv/app", "retry_count": 1,
     "last_result": "claude: command not found",
     "created": "2026-08-20T10:00:00Z", "last_updated": "2026-08-20T10:05:00Z"}
  ]
}`)

	r := NewSessionReader(root, 10, nil)
	tasks, errs := r.Read()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	task := tasks[0]
	if task.ID != "session_abc123-deploy" {
		t.Errorf("unexpected id %q", task.ID)
	}
	if task.Status != model.StatusFailed {
		t.Errorf("status: got %q", task.Status)
	}
	if task.RetryCount != 1 {
		t.Errorf("retry_count: got %d", task.RetryCount)
	}
	if task.LastUpdated != "2026-08-20T10:05:00Z" {
		t.Errorf("last_updated: got %q", task.LastUpdated)
	}
}

func TestSessionReader_MalformedDocSkippedAndQuarantined(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "good", "tasks.json"), `{"session_id": "good", "tasks": [
		{"key": "ok", "subject": "fine", "working_dir": "/tmp"}]}`)
	badPath := filepath.Join(root, "bad", "tasks.json")
	writeFile(t, badPath, `{not json at all`)

	var quarantined []string
	r := NewSessionReader(root, 10, func(path string) error {
		quarantined = append(quarantined, path)
		return nil
	})
	tasks, errs := r.Read()
	if len(tasks) != 1 {
		t.Errorf("good document should still be read, got %d tasks", len(tasks))
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
	var srcErr *SourceReadError
	if !asSourceReadError(errs[0], &srcErr) {
		t.Fatalf("expected *SourceReadError, got %T", errs[0])
	}
	if srcErr.Path != badPath {
		t.Errorf("error path: got %q, want %q", srcErr.Path, badPath)
	}
	if len(quarantined) != 1 || quarantined[0] != badPath {
		t.Errorf("malformed doc should be quarantined, got %v", quarantined)
	}
}

func asSourceReadError(err error, target **SourceReadError) bool {
	e, ok := err.(*SourceReadError)
	if ok {
		*target = e
	}
	return ok
}

func TestWalkFiles_CyclicSymlinkTerminates(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// a/loop → root: every descent adds a level, so the depth bound trips.
	if err := os.Symlink(root, filepath.Join(sub, "loop")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	writeFile(t, filepath.Join(sub, "tasks.json"), `{}`)

	files, errs := walkFiles(root, 10, func(name string) bool { return name == "tasks.json" })
	if len(files) == 0 {
		t.Error("expected to find tasks.json before hitting the bound")
	}
	foundDepthErr := false
	for _, err := range errs {
		if strings.Contains(err.Error(), "max depth") {
			foundDepthErr = true
		}
	}
	if !foundDepthErr {
		t.Error("expected a max-depth truncation to be reported")
	}
}

func TestProjectReader_DocKeyRequired(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "p1", "tasks.json"), `{"tasks": []}`)

	r := NewProjectReader(root, 10, nil)
	_, errs := r.Read()
	if len(errs) != 1 {
		t.Fatalf("expected error for document missing project key, got %d", len(errs))
	}
}
