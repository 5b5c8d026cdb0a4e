package source

import (
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/internal/model"
)

// scheduledFile is the YAML definitions document for scheduled tasks.
type scheduledFile struct {
	Tasks []scheduledEntry `yaml:"tasks"`
}

type scheduledEntry struct {
	Name string `yaml:"name"`
	rawTask `yaml:",inline"`
	Prompt string `yaml:"prompt,omitempty"`
}

// ScheduledReader reads the scheduled-task definitions file. The stable
// local key is the definition name, so repeated reads yield the same IDs.
type ScheduledReader struct {
	path string
}

func NewScheduledReader(path string) *ScheduledReader {
	return &ScheduledReader{path: path}
}

func (r *ScheduledReader) Name() model.Source {
	return model.SourceScheduled
}

func (r *ScheduledReader) Read() ([]model.Task, []error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			// No definitions file is a valid empty source.
			return nil, nil
		}
		return nil, []error{&SourceReadError{Source: string(r.Name()), Path: r.path, Err: err}}
	}

	var doc scheduledFile
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, []error{&SourceReadError{Source: string(r.Name()), Path: r.path, Err: err}}
	}

	mtime := mtimeRFC3339(r.path)
	var tasks []model.Task
	var errs []error
	for i := range doc.Tasks {
		entry := &doc.Tasks[i]
		raw := entry.rawTask
		if raw.Subject == "" {
			raw.Subject = entry.Name
		}
		if raw.Description == "" {
			raw.Description = entry.Prompt
		}
		task, err := normalize(model.SourceScheduled, entry.Name, &raw, mtime)
		if err != nil {
			errs = append(errs, &SourceReadError{Source: string(r.Name()), Path: r.path, Err: err})
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, errs
}
