package execute

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCommandExecutor_Success(t *testing.T) {
	e := NewCommandExecutor("sh", []string{"-c"})
	res, err := e.Run(context.Background(), Request{
		Description: "echo done",
		WorkingDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success() {
		t.Errorf("expected success, got exit=%d output=%q", res.ExitCode, res.Output)
	}
	if !strings.Contains(res.Output, "done") {
		t.Errorf("output: got %q", res.Output)
	}
}

func TestCommandExecutor_NonzeroExit(t *testing.T) {
	e := NewCommandExecutor("sh", []string{"-c"})
	res, err := e.Run(context.Background(), Request{
		Description: "echo broken >&2; exit 3",
		WorkingDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code: got %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Output, "broken") {
		t.Errorf("stderr should be captured: %q", res.Output)
	}
}

func TestCommandExecutor_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	e := NewCommandExecutor("sh", []string{"-c"})
	res, err := e.Run(ctx, Request{
		Description: "sleep 10",
		WorkingDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if res.Success() {
		t.Error("timeout must not be a success")
	}
}

func TestCommandExecutor_MissingRunner(t *testing.T) {
	e := NewCommandExecutor("definitely-not-a-binary-xyz", nil)
	res, err := e.Run(context.Background(), Request{
		Description: "anything",
		WorkingDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Success() {
		t.Error("missing runner must not succeed")
	}
	if res.Output == "" {
		t.Error("spawn failure should surface error text for pattern matching")
	}
}
