// Package aggregate merges reader output into the single ordered registry.
package aggregate

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/wardenhq/warden/internal/model"
	"github.com/wardenhq/warden/internal/source"
)

// CollisionError reports the same task ID arriving from two different
// sources in one pass. This is a data-integrity fault: the first record is
// kept and the collision is surfaced, never silently overwritten.
type CollisionError struct {
	ID      string
	Kept    model.Source
	Dropped model.Source
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("id collision on %s: kept record from %s, dropped record from %s", e.ID, e.Kept, e.Dropped)
}

// Report carries the non-fatal findings of one aggregation pass.
type Report struct {
	SourceErrors []error
	Collisions   []*CollisionError
	// DuplicateDrafts lists local drafts whose subject and working_dir
	// match an existing task. They are merged anyway; resolving the
	// duplication is an operator decision, never automatic.
	DuplicateDrafts []string
	MergedDrafts    int
}

// Aggregator unifies the sources into a registry. It is the sole writer of
// task identity, source tags, and derived statistics.
type Aggregator struct {
	readers []source.Reader
	logger  *log.Logger
	now     func() time.Time
}

func New(readers []source.Reader, logger *log.Logger) *Aggregator {
	return &Aggregator{
		readers: readers,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Aggregate merges all sources and queued dashboard drafts over the
// previous registry. A broken source is skipped and reported in the
// returned Report, not fatal. Incoming records update an existing task only
// when strictly newer by last_updated, so a stale re-read never clobbers a
// status the health engine wrote.
func (a *Aggregator) Aggregate(prev *model.Registry, drafts []model.Draft) (*model.Registry, *Report) {
	report := &Report{}

	merged := make(map[string]model.Task)
	origin := make(map[string]model.Source)
	var order []string

	if prev != nil {
		for _, t := range prev.Tasks {
			merged[t.ID] = t
			origin[t.ID] = t.Source
			order = append(order, t.ID)
		}
	}

	upsert := func(task model.Task) {
		existing, ok := merged[task.ID]
		if !ok {
			merged[task.ID] = task
			origin[task.ID] = task.Source
			order = append(order, task.ID)
			return
		}
		if origin[task.ID] != task.Source {
			report.Collisions = append(report.Collisions, &CollisionError{
				ID:      task.ID,
				Kept:    origin[task.ID],
				Dropped: task.Source,
			})
			return
		}
		if task.UpdatedAfter(&existing) {
			merged[task.ID] = task
		}
	}

	for _, reader := range a.readers {
		tasks, errs := reader.Read()
		for _, err := range errs {
			report.SourceErrors = append(report.SourceErrors, err)
			a.logf("source_error source=%s error=%v", reader.Name(), err)
		}
		for _, task := range tasks {
			upsert(task)
		}
	}

	a.mergeDrafts(merged, origin, &order, drafts, report)

	tasks := make([]model.Task, 0, len(order))
	sort.Strings(order)
	for _, id := range order {
		tasks = append(tasks, merged[id])
	}

	reg := &model.Registry{
		Tasks:          tasks,
		Statistics:     model.ComputeStatistics(tasks),
		LastAggregated: a.now().UTC().Format(time.RFC3339),
	}
	return reg, report
}

// mergeDrafts folds dashboard-originated local drafts into the registry.
// The validated local_ id is kept as the task's final id: the prefix is
// wire contract and gives the dashboard cache a stable identity.
func (a *Aggregator) mergeDrafts(merged map[string]model.Task, origin map[string]model.Source, order *[]string, drafts []model.Draft, report *Report) {
	for _, d := range drafts {
		if err := model.ValidateDraft(&d); err != nil {
			report.SourceErrors = append(report.SourceErrors, err)
			a.logf("draft_rejected id=%s error=%v", d.ID, err)
			continue
		}
		if _, exists := merged[d.ID]; exists {
			// Already merged by an earlier pass; the registry copy wins.
			continue
		}

		for _, t := range merged {
			if t.Subject == d.Subject && t.WorkingDir == d.WorkingDir {
				report.DuplicateDrafts = append(report.DuplicateDrafts,
					fmt.Sprintf("draft %s duplicates task %s (same subject and working_dir)", d.ID, t.ID))
				break
			}
		}

		src := d.Source
		if src == "" {
			src = model.SourceSession
		}
		now := a.now().UTC().Format(time.RFC3339)
		created := d.Created
		if created == "" {
			created = now
		}
		task := model.Task{
			ID:            d.ID,
			Source:        src,
			Status:        model.StatusPending,
			Subject:       d.Subject,
			Description:   d.Description,
			WorkingDir:    d.WorkingDir,
			Schedule:      d.Schedule,
			AssignedSkill: d.AssignedSkill,
			AssignedAgent: d.AssignedAgent,
			Created:       created,
			LastUpdated:   now,
		}
		merged[task.ID] = task
		origin[task.ID] = task.Source
		*order = append(*order, task.ID)
		report.MergedDrafts++
	}
}

func (a *Aggregator) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}
