// Package notify raises desktop notifications for conditions that need an
// operator: tasks stuck at the retry ceiling and repeated publish failures.
package notify

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/wardenhq/warden/internal/events"
)

// Sender delivers one notification. Swappable for tests.
type Sender func(title, message string) error

// Notifier bridges bus events to desktop notifications.
type Notifier struct {
	enabled bool
	send    Sender
	unsubs  []func()
}

func New(enabled bool) *Notifier {
	return &Notifier{enabled: enabled, send: Send}
}

// SetSender replaces the delivery function.
func (n *Notifier) SetSender(s Sender) {
	n.send = s
}

// Attach subscribes to operator-attention events. No-op when disabled.
func (n *Notifier) Attach(bus *events.Bus) {
	if !n.enabled || bus == nil {
		return
	}
	n.unsubs = append(n.unsubs,
		bus.Subscribe(events.EventRetryCeiling, func(e events.Event) {
			taskID, _ := e.Data["task_id"].(string)
			_ = n.send("Warden: task needs attention",
				fmt.Sprintf("Task %s exhausted its retries and was left failed.", taskID))
		}),
		bus.Subscribe(events.EventPublishFailed, func(e events.Event) {
			_ = n.send("Warden: publish failed",
				"Dashboard sync failed; local state is intact and will be retried.")
		}),
	)
}

// Detach removes all subscriptions.
func (n *Notifier) Detach() {
	for _, unsub := range n.unsubs {
		unsub()
	}
	n.unsubs = nil
}

// Send delivers a macOS notification via osascript with sound.
func Send(title, message string) error {
	title = escapeAppleScript(title)
	message = escapeAppleScript(message)

	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		message, title,
	)

	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
