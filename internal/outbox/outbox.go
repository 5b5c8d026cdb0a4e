// Package outbox holds dashboard-submitted task drafts in a bounded JSON
// queue until the aggregator merges them into the registry.
package outbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/jsonfile"
	"github.com/wardenhq/warden/internal/model"
)

// ErrFull is returned when the queue is at capacity. The dashboard keeps
// the rejected draft client-side and retries later.
var ErrFull = fmt.Errorf("outbox is full")

type queueFile struct {
	Drafts []model.Draft `json:"drafts"`
}

// Queue is the draft outbox. Every mutation rewrites the file atomically,
// so a reader never sees a half-written queue.
type Queue struct {
	mu        sync.Mutex
	path      string
	wardenDir string
	max       int
}

func NewQueue(wardenDir, path string, max int) *Queue {
	if max <= 0 {
		max = 100
	}
	return &Queue{path: path, wardenDir: wardenDir, max: max}
}

func (q *Queue) Path() string { return q.path }

// Enqueue validates and appends one draft. Drafts beyond the capacity bound
// are rejected with ErrFull, never silently dropped.
func (q *Queue) Enqueue(d *model.Draft) error {
	if d.ID == "" {
		d.ID = model.NewDraftID()
	}
	if d.Created == "" {
		d.Created = time.Now().UTC().Format(time.RFC3339)
	}
	if err := model.ValidateDraft(d); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	file, err := q.load()
	if err != nil {
		return err
	}
	if len(file.Drafts) >= q.max {
		return fmt.Errorf("enqueue draft %s: %w (max %d)", d.ID, ErrFull, q.max)
	}
	for _, existing := range file.Drafts {
		if existing.ID == d.ID {
			return fmt.Errorf("enqueue draft: id %s already queued", d.ID)
		}
	}
	file.Drafts = append(file.Drafts, *d)
	return q.save(file)
}

// Drain returns the queued drafts together with a commit function. The
// caller invokes commit only after the drafts have been durably merged into
// the registry; until then the queue keeps them, so a crash between merge
// and commit re-merges idempotently instead of losing drafts.
func (q *Queue) Drain() ([]model.Draft, func() error, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	file, err := q.load()
	if err != nil {
		return nil, nil, err
	}
	drained := append([]model.Draft(nil), file.Drafts...)

	commit := func() error {
		q.mu.Lock()
		defer q.mu.Unlock()

		current, err := q.load()
		if err != nil {
			return err
		}
		// Drop only what was drained; drafts enqueued meanwhile survive.
		drainedIDs := make(map[string]bool, len(drained))
		for _, d := range drained {
			drainedIDs[d.ID] = true
		}
		var remaining []model.Draft
		for _, d := range current.Drafts {
			if !drainedIDs[d.ID] {
				remaining = append(remaining, d)
			}
		}
		current.Drafts = remaining
		return q.save(current)
	}
	return drained, commit, nil
}

// Len reports the number of queued drafts.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	file, err := q.load()
	if err != nil {
		return 0, err
	}
	return len(file.Drafts), nil
}

func (q *Queue) load() (*queueFile, error) {
	var file queueFile
	err := jsonfile.Read(q.path, &file)
	if err == nil {
		return &file, nil
	}
	if jsonfile.IsNotExist(err) {
		return &queueFile{}, nil
	}

	if _, qErr := jsonfile.Quarantine(q.wardenDir, q.path); qErr != nil {
		return nil, fmt.Errorf("outbox unreadable and quarantine failed: %w", err)
	}
	if rErr := jsonfile.RestoreFromBackup(q.path); rErr != nil {
		// No backup: start over rather than wedge draft submission.
		return &queueFile{}, nil
	}
	if err := jsonfile.Read(q.path, &file); err != nil {
		return nil, fmt.Errorf("outbox unreadable after restore: %w", err)
	}
	return &file, nil
}

func (q *Queue) save(file *queueFile) error {
	if err := jsonfile.AtomicWrite(q.path, file); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	return nil
}
