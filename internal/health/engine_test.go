package health

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/execute"
	"github.com/wardenhq/warden/internal/lock"
	"github.com/wardenhq/warden/internal/model"
	"github.com/wardenhq/warden/internal/pattern"
	"github.com/wardenhq/warden/internal/registry"
)

// fakeExecutor returns canned results per task and records every request.
type fakeExecutor struct {
	mu       sync.Mutex
	results  map[string]execute.Result
	requests []execute.Request
}

func (f *fakeExecutor) Run(_ context.Context, req execute.Request) (execute.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if r, ok := f.results[req.TaskID]; ok {
		return r, nil
	}
	return execute.Result{ExitCode: 0, Output: "ok"}, nil
}

func (f *fakeExecutor) calls() []execute.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execute.Request(nil), f.requests...)
}

type testRig struct {
	engine *Engine
	store  *registry.Store
	log    *Log
	exec   *fakeExecutor
}

func newTestRig(t *testing.T, tasks []model.Task) *testRig {
	t.Helper()
	dir := t.TempDir()

	store := registry.NewStore(dir, filepath.Join(dir, "registry.json"))
	if err := store.Save(&model.Registry{Tasks: tasks}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	healthLog, err := OpenLog(filepath.Join(dir, "logs", "health.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { healthLog.Close() })

	exec := &fakeExecutor{results: map[string]execute.Result{}}
	cfg := model.HealthConfig{Enabled: true, MaxRetries: 3, Parallelism: 4}
	execCfg := model.ExecuteConfig{Runner: "claude", TimeoutSec: 5}

	engine := NewEngine(cfg, execCfg, store, pattern.NewLoader(""), exec,
		healthLog, lock.NewMutexMap(), log.New(io.Discard, "", 0), LogLevelError)
	return &testRig{engine: engine, store: store, log: healthLog, exec: exec}
}

func task(id string, status model.Status, retries int, lastResult string) model.Task {
	return model.Task{
		ID:          id,
		Source:      model.SourceSession,
		Status:      status,
		Subject:     "subject " + id,
		WorkingDir:  "/tmp",
		RetryCount:  retries,
		LastResult:  lastResult,
		Created:     "2026-08-24T10:00:00Z",
		LastUpdated: "2026-08-24T10:00:00Z",
	}
}

func (r *testRig) loadRegistry(t *testing.T) *model.Registry {
	t.Helper()
	reg, err := r.store.Load()
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

func TestRunCycle_OnlyEligibleFailedTasksAttempted(t *testing.T) {
	tasks := make([]model.Task, 0, 22)
	for i := 0; i < 19; i++ {
		st := model.StatusPending
		if i%2 == 0 {
			st = model.StatusCompleted
		}
		tasks = append(tasks, task(fmt.Sprintf("session_t%02d", i), st, 0, ""))
	}
	tasks = append(tasks,
		task("session_net", model.StatusFailed, 1, "dial tcp: connection refused"),
		task("session_perm", model.StatusFailed, 0, "open /etc/x: permission denied"),
		task("session_ceiling", model.StatusFailed, 3, "dial tcp: connection refused"),
	)
	rig := newTestRig(t, tasks)

	res, err := rig.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Eligible != 2 || res.Attempted != 2 {
		t.Errorf("eligible=%d attempted=%d, want 2/2", res.Eligible, res.Attempted)
	}
	if res.AtCeiling != 1 {
		t.Errorf("at_ceiling=%d, want 1", res.AtCeiling)
	}
	if len(rig.exec.calls()) != 2 {
		t.Fatalf("executor invoked %d times, want 2", len(rig.exec.calls()))
	}

	reg := rig.loadRegistry(t)
	if got := reg.FindTask("session_ceiling"); got.RetryCount != 3 || got.Status != model.StatusFailed {
		t.Errorf("ceiling task mutated: status=%s retries=%d", got.Status, got.RetryCount)
	}
	if got := reg.FindTask("session_net"); got.Status != model.StatusCompleted || got.RetryCount != 2 {
		t.Errorf("net task: status=%s retries=%d, want completed/2", got.Status, got.RetryCount)
	}
	if got := reg.FindTask("session_t00"); got.Status != model.StatusCompleted {
		t.Errorf("untouched task changed status to %s", got.Status)
	}

	entries, err := rig.log.ReadAll()
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("log entries=%d, want exactly one per attempt (2)", len(entries))
	}
}

func TestRunCycle_PatternMissLeftFailedAndLoggedOnce(t *testing.T) {
	rig := newTestRig(t, []model.Task{
		task("session_odd", model.StatusFailed, 1, "segfault in libfoo"),
	})

	res, err := rig.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Misses != 1 || res.Attempted != 0 {
		t.Errorf("misses=%d attempted=%d, want 1/0", res.Misses, res.Attempted)
	}
	if len(rig.exec.calls()) != 0 {
		t.Errorf("unmatched failure must never re-execute, got %d calls", len(rig.exec.calls()))
	}

	reg := rig.loadRegistry(t)
	got := reg.FindTask("session_odd")
	if got.Status != model.StatusFailed || got.RetryCount != 1 {
		t.Errorf("status=%s retries=%d, want failed/1 unchanged", got.Status, got.RetryCount)
	}

	entries, _ := rig.log.ReadAll()
	if len(entries) != 1 || entries[0].Outcome != OutcomePatternMiss || entries[0].MatchedPattern != pattern.CategoryUnknown {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	// Second cycle over the unchanged task stays quiet.
	if _, err := rig.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	entries, _ = rig.log.ReadAll()
	if len(entries) != 1 {
		t.Errorf("pattern miss re-logged: %d entries", len(entries))
	}
}

func TestRunCycle_FailedAttemptKeepsTaskEligibleUntilCeiling(t *testing.T) {
	rig := newTestRig(t, []model.Task{
		task("session_stubborn", model.StatusFailed, 0, "request timed out"),
	})
	rig.exec.results["session_stubborn"] = execute.Result{ExitCode: 1, Output: "request timed out"}

	for i := 0; i < 5; i++ {
		if _, err := rig.engine.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	reg := rig.loadRegistry(t)
	got := reg.FindTask("session_stubborn")
	if got.RetryCount != 3 {
		t.Errorf("retry_count=%d, must stop at the ceiling of 3", got.RetryCount)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("status=%s, want failed", got.Status)
	}
	if calls := len(rig.exec.calls()); calls != 3 {
		t.Errorf("executor invoked %d times, want 3", calls)
	}
}

func TestRunCycle_RecoveryAdoptsLoggedOutcome(t *testing.T) {
	// Crash window: attempt finished and was logged, but the terminal
	// status write was lost. The task sits in_progress with a newer log
	// entry.
	stuck := task("session_stuck", model.StatusInProgress, 2, "dial tcp: connection refused")
	stuck.LastUpdated = "2026-08-24T10:00:00Z"
	rig := newTestRig(t, []model.Task{stuck})

	err := rig.log.Append(&Entry{
		Timestamp:      "2026-08-24T10:00:30Z",
		TaskID:         "session_stuck",
		MatchedPattern: "network",
		ActionTaken:    "retry",
		Outcome:        OutcomeCompleted,
	})
	if err != nil {
		t.Fatalf("seed log: %v", err)
	}

	res, err := rig.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Recovered != 1 {
		t.Errorf("recovered=%d, want 1", res.Recovered)
	}
	if len(rig.exec.calls()) != 0 {
		t.Errorf("logged outcome must be adopted without re-running, got %d calls", len(rig.exec.calls()))
	}

	reg := rig.loadRegistry(t)
	got := reg.FindTask("session_stuck")
	if got.Status != model.StatusCompleted {
		t.Errorf("status=%s, want completed adopted from log", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("retry_count=%d, recovery must not consume a retry", got.RetryCount)
	}

	entries, _ := rig.log.ReadAll()
	if len(entries) != 1 {
		t.Errorf("adoption must not append a second entry, got %d", len(entries))
	}
}

func TestRunCycle_RecoveryRerunsUnloggedAttemptForFree(t *testing.T) {
	// Crash window: in_progress was persisted (retry consumed) but the
	// crash hit before the log append. No entry exists.
	stuck := task("session_halfway", model.StatusInProgress, 1, "dial tcp: connection refused")
	rig := newTestRig(t, []model.Task{stuck})

	res, err := rig.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Recovered != 1 {
		t.Errorf("recovered=%d, want 1", res.Recovered)
	}
	if len(rig.exec.calls()) != 1 {
		t.Fatalf("executor invoked %d times, want 1 free re-run", len(rig.exec.calls()))
	}

	reg := rig.loadRegistry(t)
	got := reg.FindTask("session_halfway")
	if got.Status != model.StatusCompleted {
		t.Errorf("status=%s, want completed", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count=%d, the re-run must not double-charge the crashed attempt", got.RetryCount)
	}

	entries, _ := rig.log.ReadAll()
	if len(entries) != 1 || entries[0].Outcome != OutcomeCompleted {
		t.Fatalf("expected one completed entry, got %+v", entries)
	}
}

func TestRunCycle_CompletedWithFailingResultSurfacedOnce(t *testing.T) {
	done := task("session_odd", model.StatusCompleted, 1, "open /etc/x: permission denied")
	rig := newTestRig(t, []model.Task{done})

	res, err := rig.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Inconsistent != 1 {
		t.Errorf("inconsistent=%d, want 1", res.Inconsistent)
	}
	if len(rig.exec.calls()) != 0 {
		t.Errorf("completed task must never be re-executed")
	}

	reg := rig.loadRegistry(t)
	if got := reg.FindTask("session_odd"); got.Status != model.StatusCompleted {
		t.Errorf("status wins: task must stay completed, got %s", got.Status)
	}

	entries, _ := rig.log.ReadAll()
	if len(entries) != 1 || entries[0].Outcome != OutcomeInconsistent {
		t.Fatalf("expected one inconsistent entry, got %+v", entries)
	}

	// Unchanged task, second cycle: no duplicate entry.
	if _, err := rig.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	entries, _ = rig.log.ReadAll()
	if len(entries) != 1 {
		t.Errorf("inconsistency re-logged: %d entries", len(entries))
	}
}

func TestRunCycle_PathHintForwardedToExecutor(t *testing.T) {
	rig := newTestRig(t, []model.Task{
		task("session_norunner", model.StatusFailed, 0, `exec: "claude": executable file not found in $PATH`),
	})

	if _, err := rig.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	calls := rig.exec.calls()
	if len(calls) != 1 {
		t.Fatalf("executor invoked %d times, want 1", len(calls))
	}
	if calls[0].PathHint == "" {
		t.Errorf("path_not_found remediation must carry a path hint")
	}

	entries, _ := rig.log.ReadAll()
	if len(entries) != 1 || entries[0].MatchedPattern != "path_not_found" {
		t.Fatalf("expected path_not_found entry, got %+v", entries)
	}
}

func TestRunCycle_TimestampOrderingSurvivesRepeatCycles(t *testing.T) {
	rig := newTestRig(t, []model.Task{
		task("session_flaky", model.StatusFailed, 0, "connection reset by peer"),
	})
	rig.exec.results["session_flaky"] = execute.Result{ExitCode: 0, Output: "done"}

	if _, err := rig.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	reg := rig.loadRegistry(t)
	got := reg.FindTask("session_flaky")
	entries, _ := rig.log.ReadAll()
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want 1", len(entries))
	}
	entryTime, err := time.Parse(time.RFC3339, entries[0].Timestamp)
	if err != nil {
		t.Fatalf("entry timestamp: %v", err)
	}
	taskTime, err := time.Parse(time.RFC3339, got.LastUpdated)
	if err != nil {
		t.Fatalf("task timestamp: %v", err)
	}
	if taskTime.Before(entryTime) {
		t.Errorf("task last_updated %s precedes its log entry %s", got.LastUpdated, entries[0].Timestamp)
	}

	// An idempotent second cycle over the now-completed task.
	res, err := rig.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if res.Attempted != 0 || res.Recovered != 0 {
		t.Errorf("second cycle attempted=%d recovered=%d, want 0/0", res.Attempted, res.Recovered)
	}
}
