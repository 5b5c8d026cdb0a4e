// Package model defines the data structures for Warden's registry,
// configuration, and audit records.
package model

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Schedule describes when a scheduled task runs.
type Schedule struct {
	Type string `json:"type" yaml:"type" validate:"omitempty,oneof=once recurring"`
	Time string `json:"time,omitempty" yaml:"time,omitempty"`
}

// Task is the central entity of the registry. All timestamps are RFC3339
// strings. working_dir is required for any task eligible for execution and
// is never default-filled.
type Task struct {
	ID            string    `json:"id" validate:"required"`
	Source        Source    `json:"source" validate:"required,oneof=scheduled session project"`
	Status        Status    `json:"status" validate:"required,oneof=pending in_progress completed failed"`
	Subject       string    `json:"subject" validate:"required"`
	Description   string    `json:"description,omitempty"`
	WorkingDir    string    `json:"working_dir" validate:"required"`
	RetryCount    int       `json:"retry_count" validate:"gte=0"`
	LastResult    string    `json:"last_result,omitempty"`
	Schedule      *Schedule `json:"schedule,omitempty"`
	AssignedSkill string    `json:"assigned_skill,omitempty"`
	AssignedAgent string    `json:"assigned_agent,omitempty"`
	Created       string    `json:"created"`
	LastUpdated   string    `json:"last_updated"`
}

// Draft is a dashboard-originated task proposal. It carries a
// client-generated local_* identifier and lives in the outbox until the
// aggregator merges it into the registry.
type Draft struct {
	ID            string    `json:"id" validate:"required"`
	Source        Source    `json:"source,omitempty"`
	Subject       string    `json:"subject" validate:"required"`
	Description   string    `json:"description,omitempty"`
	WorkingDir    string    `json:"working_dir" validate:"required"`
	Schedule      *Schedule `json:"schedule,omitempty"`
	AssignedSkill string    `json:"assigned_skill,omitempty"`
	AssignedAgent string    `json:"assigned_agent,omitempty"`
	Created       string    `json:"created"`
}

// Statistics is always a pure function of the task list at the moment of
// the last aggregation, never hand-edited.
type Statistics struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	BySource map[string]int `json:"by_source"`
}

// Registry is the persisted unification of all sources.
type Registry struct {
	Tasks          []Task     `json:"tasks"`
	Statistics     Statistics `json:"statistics"`
	LastAggregated string     `json:"last_aggregated"`
}

// ComputeStatistics recomputes the derived counters from the task list.
func ComputeStatistics(tasks []Task) Statistics {
	stats := Statistics{
		Total:    len(tasks),
		ByStatus: make(map[string]int),
		BySource: make(map[string]int),
	}
	for _, t := range tasks {
		stats.ByStatus[string(t.Status)]++
		stats.BySource[string(t.Source)]++
	}
	return stats
}

// FindTask returns a pointer into the registry's task slice, or nil.
func (r *Registry) FindTask(id string) *Task {
	for i := range r.Tasks {
		if r.Tasks[i].ID == id {
			return &r.Tasks[i]
		}
	}
	return nil
}

// Touch updates LastUpdated to now in UTC.
func (t *Task) Touch(now time.Time) {
	t.LastUpdated = now.UTC().Format(time.RFC3339)
}

// UpdatedAfter reports whether the task's last_updated is strictly newer
// than other's. Unparseable timestamps compare as oldest.
func (t *Task) UpdatedAfter(other *Task) bool {
	return parseRFC3339(t.LastUpdated).After(parseRFC3339(other.LastUpdated))
}

func parseRFC3339(s string) time.Time {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError wraps a rejected task or draft. A task missing a required
// field (notably working_dir) is rejected at creation, never silently
// defaulted.
type ValidationError struct {
	ID  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task %s failed validation: %v", e.ID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ValidateTask checks structural validity of a task before it enters the
// registry.
func ValidateTask(t *Task) error {
	if err := validate.Struct(t); err != nil {
		return &ValidationError{ID: t.ID, Err: err}
	}
	if !ValidateID(t.ID) {
		return &ValidationError{ID: t.ID, Err: fmt.Errorf("malformed id %q", t.ID)}
	}
	return nil
}

// ValidateDraft checks a dashboard draft before it is queued.
func ValidateDraft(d *Draft) error {
	if err := validate.Struct(d); err != nil {
		return &ValidationError{ID: d.ID, Err: err}
	}
	if !IsLocalID(d.ID) {
		return &ValidationError{ID: d.ID, Err: fmt.Errorf("draft id must carry the local_ prefix, got %q", d.ID)}
	}
	return nil
}
