// Package source reads each raw task source into the normalized in-memory
// form the aggregator consumes. A broken source document is reported via
// SourceReadError and skipped, never fatal to the cycle.
package source

import (
	"fmt"

	"github.com/wardenhq/warden/internal/model"
)

// SourceReadError marks one source document as unreadable or malformed.
type SourceReadError struct {
	Source string
	Path   string
	Err    error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("source %s: read %s: %v", e.Source, e.Path, e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// Reader produces normalized tasks from one raw source. Read returns the
// tasks it could parse plus one error per document it had to skip; a reader
// never aborts the whole aggregation for a single bad document.
type Reader interface {
	Name() model.Source
	Read() ([]model.Task, []error)
}

// rawTask is the on-disk record shape shared by the session and project
// document formats.
type rawTask struct {
	Key         string          `json:"key" yaml:"key"`
	Subject     string          `json:"subject" yaml:"subject"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Status      string          `json:"status,omitempty" yaml:"status,omitempty"`
	WorkingDir  string          `json:"working_dir" yaml:"working_dir"`
	RetryCount  int             `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	LastResult  string          `json:"last_result,omitempty" yaml:"last_result,omitempty"`
	Schedule    *model.Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Skill       string          `json:"skill,omitempty" yaml:"skill,omitempty"`
	Agent       string          `json:"agent,omitempty" yaml:"agent,omitempty"`
	Created     string          `json:"created,omitempty" yaml:"created,omitempty"`
	LastUpdated string          `json:"last_updated,omitempty" yaml:"last_updated,omitempty"`
}

// normalize converts a raw record into a registry task. fallbackTime fills
// missing timestamps (typically the document's mtime) so last-writer-wins
// comparisons in the aggregator stay meaningful.
func normalize(src model.Source, localKey string, raw *rawTask, fallbackTime string) (model.Task, error) {
	id, err := model.TaskID(src, localKey)
	if err != nil {
		return model.Task{}, err
	}

	status := model.Status(raw.Status)
	if raw.Status == "" {
		status = model.StatusPending
	}
	if !model.ValidStatus(status) {
		return model.Task{}, fmt.Errorf("task %s: unknown status %q", id, raw.Status)
	}

	task := model.Task{
		ID:            id,
		Source:        src,
		Status:        status,
		Subject:       raw.Subject,
		Description:   raw.Description,
		WorkingDir:    raw.WorkingDir,
		RetryCount:    raw.RetryCount,
		LastResult:    raw.LastResult,
		Schedule:      raw.Schedule,
		AssignedSkill: raw.Skill,
		AssignedAgent: raw.Agent,
		Created:       raw.Created,
		LastUpdated:   raw.LastUpdated,
	}
	if task.Created == "" {
		task.Created = fallbackTime
	}
	if task.LastUpdated == "" {
		task.LastUpdated = fallbackTime
	}

	if err := model.ValidateTask(&task); err != nil {
		return model.Task{}, err
	}
	return task, nil
}
