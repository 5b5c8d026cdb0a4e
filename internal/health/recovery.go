package health

import (
	"context"
	"time"

	"github.com/wardenhq/warden/internal/model"
	"github.com/wardenhq/warden/internal/pattern"
)

// recoverStuck resolves tasks left in_progress by a crashed attempt. The
// append-only log decides which side of the crash window the attempt died
// on:
//
// If the task's latest log entry is terminal and newer than the task's
// last_updated, the attempt finished and only the final status write was
// lost. The logged outcome is adopted as-is; no re-run, no extra retry.
//
// If no such entry exists, the crash hit between the in_progress write and
// the log append. The attempt's retry was already consumed, so the task is
// re-run once for free and settled normally.
func (e *Engine) recoverStuck(ctx context.Context, reg *model.Registry, matcher *pattern.Matcher, res *CycleResult) error {
	last, err := e.healthLog.LastPerTask()
	if err != nil {
		return err
	}

	var rerun []string
	adopted := false

	e.lockMap.Lock(registryLockKey)
	for i := range reg.Tasks {
		t := &reg.Tasks[i]
		if t.Status != model.StatusInProgress {
			continue
		}
		entry, ok := last[t.ID]
		if ok && terminalOutcome(entry.Outcome) && !entryOlderThan(entry, t.LastUpdated) {
			if entry.Outcome == OutcomeCompleted {
				t.Status = model.StatusCompleted
				// The runner's output died with the crashed process. Drop
				// the pre-attempt failure text so the adopted success is
				// not misread as an inconsistency.
				t.LastResult = ""
			} else {
				t.Status = model.StatusFailed
			}
			t.Touch(e.now())
			adopted = true
			res.Recovered++
			e.log(LogLevelInfo, "recovery_adopt task=%s outcome=%s", t.ID, entry.Outcome)
			continue
		}
		rerun = append(rerun, t.ID)
	}
	if adopted {
		if err := e.store.Save(reg); err != nil {
			e.lockMap.Unlock(registryLockKey)
			return err
		}
	}
	e.lockMap.Unlock(registryLockKey)

	for _, id := range rerun {
		e.lockMap.Lock(registryLockKey)
		t := reg.FindTask(id)
		if t == nil || t.Status != model.StatusInProgress {
			e.lockMap.Unlock(registryLockKey)
			continue
		}
		rule := matcher.Match(t.LastResult)
		req := e.buildRequest(t, rule)
		e.lockMap.Unlock(registryLockKey)

		e.log(LogLevelInfo, "recovery_rerun task=%s", id)
		result := e.execute(ctx, req)

		category := pattern.CategoryUnknown
		action := string(pattern.ActionRetry)
		if rule != nil {
			category = rule.Category
			action = actionString(rule)
		}
		if err := e.settle(reg, id, category, action, result, true, res); err != nil {
			res.TaskErrors = append(res.TaskErrors, err)
			e.log(LogLevelError, "recovery_error task=%s error=%v", id, err)
		}
	}
	return nil
}

func terminalOutcome(outcome string) bool {
	return outcome == OutcomeCompleted || outcome == OutcomeFailed
}

// surfaceInconsistencies logs completed tasks whose last_result still reads
// like a failure. Status wins: the task is left completed and untouched, but
// the contradiction is put on the record once per task revision.
func (e *Engine) surfaceInconsistencies(reg *model.Registry, matcher *pattern.Matcher, res *CycleResult) {
	last, err := e.healthLog.LastPerTask()
	if err != nil {
		last = map[string]Entry{}
	}

	e.lockMap.Lock(registryLockKey)
	defer e.lockMap.Unlock(registryLockKey)

	for i := range reg.Tasks {
		t := &reg.Tasks[i]
		if t.Status != model.StatusCompleted || t.LastResult == "" {
			continue
		}
		rule := matcher.Match(t.LastResult)
		if rule == nil {
			continue
		}
		if entry, ok := last[t.ID]; ok && entry.Outcome == OutcomeInconsistent && !entryOlderThan(entry, t.LastUpdated) {
			continue
		}
		e.log(LogLevelWarn, "inconsistent task=%s pattern=%s", t.ID, rule.Category)
		err := e.healthLog.Append(&Entry{
			Timestamp:      e.now().UTC().Format(time.RFC3339),
			TaskID:         t.ID,
			MatchedPattern: rule.Category,
			ActionTaken:    "none",
			Outcome:        OutcomeInconsistent,
		})
		if err != nil {
			e.log(LogLevelError, "inconsistent_log_error task=%s error=%v", t.ID, err)
			continue
		}
		res.Inconsistent++
	}
}
