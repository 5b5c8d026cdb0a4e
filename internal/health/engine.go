// Package health implements the periodic self-repair cycle: select failed
// tasks under the retry ceiling, classify their last result against the
// pattern table, apply the matched fix, re-invoke execution, and append one
// audit entry per attempt.
package health

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/execute"
	"github.com/wardenhq/warden/internal/lock"
	"github.com/wardenhq/warden/internal/model"
	"github.com/wardenhq/warden/internal/pattern"
	"github.com/wardenhq/warden/internal/registry"
)

// registryLockKey serializes all in-memory mutation and persistence of the
// registry within a cycle; execution itself runs outside the lock.
const registryLockKey = "registry"

const maxResultBytes = 4096

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// CycleResult summarizes one health cycle.
type CycleResult struct {
	Eligible   int
	Attempted  int
	Completed  int
	Failed     int
	Misses       int
	AtCeiling    int
	Recovered    int
	Inconsistent int
	TaskErrors []error
}

// Engine drives the per-task state machine. It is the sole writer of
// status transitions away from failed and of retry_count.
type Engine struct {
	cfg      model.HealthConfig
	execCfg  model.ExecuteConfig
	store    *registry.Store
	loader   *pattern.Loader
	executor execute.Executor
	healthLog *Log
	lockMap  *lock.MutexMap
	bus      *events.Bus
	logger   *log.Logger
	logLevel LogLevel
	now      func() time.Time
}

func NewEngine(cfg model.HealthConfig, execCfg model.ExecuteConfig, store *registry.Store, loader *pattern.Loader, executor execute.Executor, healthLog *Log, lockMap *lock.MutexMap, logger *log.Logger, logLevel LogLevel) *Engine {
	return &Engine{
		cfg:       cfg,
		execCfg:   execCfg,
		store:     store,
		loader:    loader,
		executor:  executor,
		healthLog: healthLog,
		lockMap:   lockMap,
		logger:    logger,
		logLevel:  logLevel,
		now:       time.Now,
	}
}

// SetEventBus wires the bus for remediation and ceiling events.
func (e *Engine) SetEventBus(bus *events.Bus) {
	e.bus = bus
}

// SetClock overrides the time source for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// RunCycle executes one health pass. Single-task errors never abort the
// cycle; only infrastructure failures (registry unreadable, pattern table
// uncompilable) do, and the atomic write discipline keeps the previous
// on-disk registry intact in that case.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	matcher, err := e.loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load pattern table: %w", err)
	}

	e.lockMap.Lock(registryLockKey)
	reg, err := e.store.Load()
	if err != nil {
		e.lockMap.Unlock(registryLockKey)
		return nil, fmt.Errorf("health cycle: %w", err)
	}
	e.lockMap.Unlock(registryLockKey)

	res := &CycleResult{}

	if err := e.recoverStuck(ctx, reg, matcher, res); err != nil {
		return nil, err
	}
	e.surfaceInconsistencies(reg, matcher, res)

	var eligible []string
	for i := range reg.Tasks {
		t := &reg.Tasks[i]
		if t.Status != model.StatusFailed {
			continue
		}
		if t.RetryCount >= e.cfg.MaxRetries {
			res.AtCeiling++
			e.log(LogLevelWarn, "retry_ceiling task=%s retry_count=%d", t.ID, t.RetryCount)
			e.publish(events.EventRetryCeiling, map[string]interface{}{
				"task_id":     t.ID,
				"retry_count": t.RetryCount,
			})
			continue
		}
		eligible = append(eligible, t.ID)
	}
	res.Eligible = len(eligible)

	// Remediation is parallel across independent tasks; registry and log
	// writes are serialized through the lock map.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for _, id := range eligible {
		g.Go(func() error {
			if err := e.remediate(gctx, reg, matcher, id, res); err != nil {
				e.lockMap.Lock(registryLockKey)
				res.TaskErrors = append(res.TaskErrors, fmt.Errorf("task %s: %w", id, err))
				e.lockMap.Unlock(registryLockKey)
				e.log(LogLevelError, "remediation_error task=%s error=%v", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.publish(events.EventCycleCompleted, map[string]interface{}{
		"eligible":  res.Eligible,
		"attempted": res.Attempted,
		"completed": res.Completed,
		"failed":    res.Failed,
	})
	return res, nil
}

// remediate runs one attempt for one eligible failed task.
func (e *Engine) remediate(ctx context.Context, reg *model.Registry, matcher *pattern.Matcher, taskID string, res *CycleResult) error {
	e.lockMap.Lock(registryLockKey)
	t := reg.FindTask(taskID)
	if t == nil || t.Status != model.StatusFailed {
		e.lockMap.Unlock(registryLockKey)
		return nil
	}

	rule := matcher.Match(t.LastResult)
	if rule == nil {
		// Never retry blindly without a matched remediation: report and
		// leave failed. Re-logging is suppressed while the task is
		// unchanged so repeated cycles stay quiet.
		res.Misses++
		alreadyLogged := e.missAlreadyLogged(t)
		e.lockMap.Unlock(registryLockKey)
		if alreadyLogged {
			return nil
		}
		e.log(LogLevelWarn, "pattern_miss task=%s", taskID)
		return e.healthLog.Append(&Entry{
			TaskID:         taskID,
			MatchedPattern: pattern.CategoryUnknown,
			ActionTaken:    "none",
			Outcome:        OutcomePatternMiss,
		})
	}

	// Matched: consume a retry and move to in_progress before executing,
	// so a crash mid-attempt is detectable next cycle.
	if err := model.ValidateTaskTransition(t.Status, model.StatusInProgress); err != nil {
		e.lockMap.Unlock(registryLockKey)
		return err
	}
	t.RetryCount++
	t.Status = model.StatusInProgress
	t.Touch(e.now())
	req := e.buildRequest(t, rule)
	if err := e.store.Save(reg); err != nil {
		// Roll back the in-memory mutation; nothing was persisted.
		t.RetryCount--
		t.Status = model.StatusFailed
		e.lockMap.Unlock(registryLockKey)
		return err
	}
	res.Attempted++
	attempt := t.RetryCount
	e.lockMap.Unlock(registryLockKey)

	e.log(LogLevelInfo, "remediation_start task=%s pattern=%s action=%s attempt=%d",
		taskID, rule.Category, rule.Action, attempt)

	result := e.execute(ctx, req)

	return e.settle(reg, taskID, rule.Category, actionString(rule), result, false, res)
}

// settle records the attempt outcome: the audit entry is appended first,
// then the terminal status is persisted. A crash between the two leaves a
// terminal entry with a stale in_progress task, which recovery resolves by
// adopting the logged outcome without consuming another retry.
func (e *Engine) settle(reg *model.Registry, taskID, category, action string, result execute.Result, recovery bool, res *CycleResult) error {
	outcome := OutcomeFailed
	status := model.StatusFailed
	if result.Success() {
		outcome = OutcomeCompleted
		status = model.StatusCompleted
	}

	e.lockMap.Lock(registryLockKey)
	defer e.lockMap.Unlock(registryLockKey)

	entry := &Entry{
		Timestamp:      e.now().UTC().Format(time.RFC3339),
		TaskID:         taskID,
		MatchedPattern: category,
		ActionTaken:    action,
		Outcome:        outcome,
	}
	if err := e.healthLog.Append(entry); err != nil {
		return fmt.Errorf("append health log: %w", err)
	}

	t := reg.FindTask(taskID)
	if t == nil {
		return fmt.Errorf("task vanished during attempt")
	}
	t.Status = status
	t.LastResult = resultText(result)
	// last_updated must not precede the log entry's timestamp, or the
	// settled attempt would look ambiguous to the next cycle.
	t.Touch(e.now().Add(time.Second))
	if err := e.store.Save(reg); err != nil {
		return err
	}

	if outcome == OutcomeCompleted {
		res.Completed++
	} else {
		res.Failed++
	}
	if recovery {
		res.Recovered++
	}
	e.log(LogLevelInfo, "remediation_done task=%s outcome=%s", taskID, outcome)
	e.publish(events.EventTaskRemediated, map[string]interface{}{
		"task_id": taskID,
		"outcome": outcome,
	})
	return nil
}

func (e *Engine) execute(ctx context.Context, req execute.Request) execute.Result {
	timeout := time.Duration(e.execCfg.TimeoutSec) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := e.executor.Run(execCtx, req)
	if err != nil {
		return execute.Result{ExitCode: -1, Output: fmt.Sprintf("executor error: %v", err)}
	}
	return result
}

func (e *Engine) buildRequest(t *model.Task, rule *pattern.Rule) execute.Request {
	req := execute.Request{
		TaskID:      t.ID,
		Description: t.Description,
		WorkingDir:  t.WorkingDir,
		SkillHint:   t.AssignedSkill,
	}
	if req.Description == "" {
		req.Description = t.Subject
	}
	if rule != nil && rule.Action == pattern.ActionPathHint {
		req.PathHint = rule.Hint
	}
	return req
}

// missAlreadyLogged reports whether the task's latest log entry is already
// a pattern miss newer than the task itself. Callers hold the registry lock.
func (e *Engine) missAlreadyLogged(t *model.Task) bool {
	last, err := e.healthLog.LastPerTask()
	if err != nil {
		return false
	}
	entry, ok := last[t.ID]
	if !ok || entry.Outcome != OutcomePatternMiss {
		return false
	}
	return !entryOlderThan(entry, t.LastUpdated)
}

func actionString(rule *pattern.Rule) string {
	if rule.Action == pattern.ActionPathHint {
		return string(rule.Action) + ":" + rule.Hint
	}
	return string(rule.Action)
}

func resultText(result execute.Result) string {
	text := strings.TrimSpace(result.Output)
	if result.TimedOut && !strings.Contains(strings.ToLower(text), "timed out") {
		text = "execution timed out: " + text
	}
	if result.ExitCode != 0 && text == "" {
		text = fmt.Sprintf("exit status %d", result.ExitCode)
	}
	if len(text) > maxResultBytes {
		text = text[:maxResultBytes]
	}
	return text
}

func entryOlderThan(entry Entry, taskUpdated string) bool {
	et, err1 := time.Parse(time.RFC3339, entry.Timestamp)
	tt, err2 := time.Parse(time.RFC3339, taskUpdated)
	if err1 != nil || err2 != nil {
		return false
	}
	return et.Before(tt)
}

func (e *Engine) publish(eventType events.EventType, data map[string]interface{}) {
	if e.bus != nil {
		e.bus.Publish(eventType, data)
	}
}

func (e *Engine) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel || e.logger == nil {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s health: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
