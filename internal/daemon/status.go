package daemon

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wardenhq/warden/internal/health"
	"github.com/wardenhq/warden/internal/model"
	"github.com/wardenhq/warden/internal/registry"
)

const maxRecentEntries = 10

// StatusData is the control-socket status payload, also rendered as text
// for `warden status`.
type StatusData struct {
	TaskTotal      int               `json:"task_total"`
	ByStatus       map[string]int    `json:"by_status"`
	BySource       map[string]int    `json:"by_source"`
	LastAggregated string            `json:"last_aggregated,omitempty"`
	CeilingTasks   []CeilingTask     `json:"ceiling_tasks,omitempty"`
	RecentAttempts []health.Entry    `json:"recent_attempts,omitempty"`
}

// CeilingTask is a failed task that exhausted its retries and needs an
// operator.
type CeilingTask struct {
	ID         string `json:"id"`
	Subject    string `json:"subject"`
	RetryCount int    `json:"retry_count"`
	LastResult string `json:"last_result,omitempty"`
}

// StatusFormatter renders registry statistics and recent health activity.
type StatusFormatter struct {
	store      *registry.Store
	healthLog  *health.Log
	maxRetries int
}

func NewStatusFormatter(store *registry.Store, healthLog *health.Log) *StatusFormatter {
	return &StatusFormatter{store: store, healthLog: healthLog, maxRetries: 3}
}

func (f *StatusFormatter) SetMaxRetries(n int) {
	if n > 0 {
		f.maxRetries = n
	}
}

// Collect builds the status payload from the registry and health log.
func (f *StatusFormatter) Collect() (*StatusData, error) {
	reg, err := f.store.Load()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	data := &StatusData{
		TaskTotal:      len(reg.Tasks),
		ByStatus:       reg.Statistics.ByStatus,
		BySource:       reg.Statistics.BySource,
		LastAggregated: reg.LastAggregated,
	}
	if data.ByStatus == nil {
		stats := model.ComputeStatistics(reg.Tasks)
		data.ByStatus = stats.ByStatus
		data.BySource = stats.BySource
	}

	for _, t := range reg.Tasks {
		if t.Status == model.StatusFailed && t.RetryCount >= f.maxRetries {
			data.CeilingTasks = append(data.CeilingTasks, CeilingTask{
				ID:         t.ID,
				Subject:    t.Subject,
				RetryCount: t.RetryCount,
				LastResult: firstLine(t.LastResult),
			})
		}
	}

	if f.healthLog != nil {
		entries, err := f.healthLog.ReadAll()
		if err == nil {
			sort.Slice(entries, func(i, j int) bool {
				return entries[i].Timestamp > entries[j].Timestamp
			})
			if len(entries) > maxRecentEntries {
				entries = entries[:maxRecentEntries]
			}
			data.RecentAttempts = entries
		}
	}
	return data, nil
}

// FormatText renders the payload for terminal display.
func FormatText(data *StatusData) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Tasks: %d total\n", data.TaskTotal)
	for _, status := range []string{"pending", "in_progress", "completed", "failed"} {
		if n := data.ByStatus[status]; n > 0 {
			fmt.Fprintf(&b, "  %-12s %d\n", status, n)
		}
	}
	if data.LastAggregated != "" {
		fmt.Fprintf(&b, "Last aggregated: %s\n", data.LastAggregated)
	}

	if len(data.CeilingTasks) > 0 {
		fmt.Fprintf(&b, "\nNeeds attention (retries exhausted):\n")
		for _, t := range data.CeilingTasks {
			fmt.Fprintf(&b, "  %-24s retries=%d  %s\n", t.ID, t.RetryCount, t.Subject)
			if t.LastResult != "" {
				fmt.Fprintf(&b, "    last: %s\n", t.LastResult)
			}
		}
	}

	if len(data.RecentAttempts) > 0 {
		fmt.Fprintf(&b, "\nRecent remediation attempts:\n")
		for _, e := range data.RecentAttempts {
			fmt.Fprintf(&b, "  %s  %-24s %-16s %s\n", e.Timestamp, e.TaskID, e.MatchedPattern, e.Outcome)
		}
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
