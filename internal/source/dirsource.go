package source

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/wardenhq/warden/internal/model"
)

// taskDocument is the JSON document shape for session and project task
// files: a named collection of raw task records.
type taskDocument struct {
	SessionID string    `json:"session_id,omitempty"`
	Project   string    `json:"project,omitempty"`
	Tasks     []rawTask `json:"tasks"`
}

// dirReader walks a directory tree for task documents. Session and project
// readers share this machinery and differ only in source tag and document
// naming.
type dirReader struct {
	source   model.Source
	root     string
	maxDepth int
	fileName string
	// quarantine, when set, moves malformed documents aside so the next
	// cycle does not re-fail on them.
	quarantine func(path string) error
}

func (r *dirReader) Name() model.Source {
	return r.source
}

func (r *dirReader) Read() ([]model.Task, []error) {
	if _, err := os.Stat(r.root); os.IsNotExist(err) {
		// Missing source directory is a valid empty source.
		return nil, nil
	}

	files, errs := walkFiles(r.root, r.maxDepth, func(name string) bool {
		return name == r.fileName
	})

	var tasks []model.Task
	for _, path := range files {
		docTasks, err := r.readDocument(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tasks = append(tasks, docTasks...)
	}
	return tasks, errs
}

func (r *dirReader) readDocument(path string) ([]model.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SourceReadError{Source: string(r.source), Path: path, Err: err}
	}

	var doc taskDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		if r.quarantine != nil {
			_ = r.quarantine(path)
		}
		return nil, &SourceReadError{Source: string(r.source), Path: path, Err: err}
	}

	docKey := doc.SessionID
	if r.source == model.SourceProject {
		docKey = doc.Project
	}
	if docKey == "" {
		return nil, &SourceReadError{Source: string(r.source), Path: path, Err: fmt.Errorf("document missing its %s key", docKeyField(r.source))}
	}

	mtime := mtimeRFC3339(path)
	var tasks []model.Task
	for i := range doc.Tasks {
		raw := &doc.Tasks[i]
		key := raw.Key
		if key == "" {
			key = strconv.Itoa(i)
		}
		task, err := normalize(r.source, docKey+"/"+key, raw, mtime)
		if err != nil {
			return nil, &SourceReadError{Source: string(r.source), Path: path, Err: err}
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func docKeyField(src model.Source) string {
	if src == model.SourceProject {
		return "project"
	}
	return "session_id"
}

// NewSessionReader reads per-session task documents (tasks.json) under root.
func NewSessionReader(root string, maxDepth int, quarantine func(path string) error) Reader {
	return &dirReader{
		source:     model.SourceSession,
		root:       root,
		maxDepth:   maxDepth,
		fileName:   "tasks.json",
		quarantine: quarantine,
	}
}

// NewProjectReader reads per-project task documents (tasks.json) under root.
func NewProjectReader(root string, maxDepth int, quarantine func(path string) error) Reader {
	return &dirReader{
		source:     model.SourceProject,
		root:       root,
		maxDepth:   maxDepth,
		fileName:   "tasks.json",
		quarantine: quarantine,
	}
}
