package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
}

// Task status transitions: pending → in_progress → completed|failed.
// failed → in_progress is the health engine re-attempt path and is only
// legal while the task is under the retry ceiling; the engine enforces
// the ceiling, this table only encodes reachability.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusInProgress: true,
	},
}

// IsTerminal reports whether no further automatic transition exists.
// failed is deliberately not terminal: the health engine may re-open it.
// Tasks at the retry ceiling stay failed and visible.
func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// IsSettled reports whether an execution attempt has concluded.
func IsSettled(s Status) bool {
	return s == StatusCompleted || s == StatusFailed
}

func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
