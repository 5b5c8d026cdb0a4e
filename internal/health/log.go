package health

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one append-only audit record: exactly one per remediation
// attempt. The log is the durable record of "did we already attempt this
// fix" and is never rewritten, which is what makes crash recovery safe.
type Entry struct {
	Timestamp      string `json:"timestamp"`
	EntryID        string `json:"entry_id"`
	TaskID         string `json:"task_id"`
	MatchedPattern string `json:"matched_pattern"`
	ActionTaken    string `json:"action_taken"`
	Outcome        string `json:"outcome"`
}

// Entry outcomes.
const (
	OutcomeCompleted    = "completed"
	OutcomeFailed       = "failed"
	OutcomePatternMiss  = "pattern_miss"
	OutcomeInconsistent = "inconsistent"
)

// Log is the append-only newline-delimited JSON health log. Writes are
// serialized and fsync'd so an entry, once Append returns, survives a
// crash.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open health log: %w", err)
	}
	return &Log{path: path, file: file}, nil
}

// Append writes one entry. Timestamp and EntryID are filled when empty.
func (l *Log) Append(entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync health log: %w", err)
	}
	return nil
}

// ReadAll scans the log. Truncated trailing lines (a crash mid-append) are
// skipped, not fatal.
func (l *Log) ReadAll() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open health log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scan health log: %w", err)
	}
	return entries, nil
}

// LastPerTask returns the most recent entry for each task.
func (l *Log) LastPerTask() (map[string]Entry, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(entries))
	for _, e := range entries {
		out[e.TaskID] = e
	}
	return out, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
