// Package execute invokes the external task runner. Warden does not
// interpret how execution happens: the runner's exit status and combined
// output are the only observable contract.
package execute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Request describes one execution attempt.
type Request struct {
	TaskID      string
	Description string
	WorkingDir  string
	// SkillHint is advisory metadata forwarded to the runner.
	SkillHint string
	// PathHint, when set by a matched remediation rule, is prepended to
	// the runner's PATH for this attempt.
	PathHint string
}

// Result is the opaque outcome of an attempt. ExitCode is -1 when the
// runner never produced one (spawn failure, timeout kill).
type Result struct {
	ExitCode int
	Output   string
	// TimedOut marks attempts cancelled by the caller's deadline; the
	// health engine classifies these under category "timeout".
	TimedOut bool
	Duration time.Duration
}

func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Executor runs a task. Implementations must honor ctx cancellation: an
// attempt exceeding the caller's deadline is reported as a timeout result,
// never left running unaccounted.
type Executor interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Factory builds executors; injected so the health engine is testable
// without spawning processes.
type Factory func(runner string, args []string) Executor

// CommandExecutor shells out to a configured runner binary.
type CommandExecutor struct {
	runner string
	args   []string
}

func NewCommandExecutor(runner string, args []string) *CommandExecutor {
	return &CommandExecutor{runner: runner, args: args}
}

func (e *CommandExecutor) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	args := append([]string(nil), e.args...)
	if req.SkillHint != "" {
		args = append(args, "--skill", req.SkillHint)
	}
	args = append(args, req.Description)

	cmd := exec.CommandContext(ctx, e.runner, args...)
	cmd.Dir = req.WorkingDir
	if req.PathHint != "" {
		cmd.Env = append(os.Environ(), "PATH="+req.PathHint+string(os.PathListSeparator)+os.Getenv("PATH"))
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	res := Result{
		ExitCode: 0,
		Output:   buf.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		res.ExitCode = -1
		if res.Output == "" {
			res.Output = fmt.Sprintf("execution timed out after %s", res.Duration.Round(time.Second))
		}
		return res, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		// Spawn failure: runner missing, bad working dir. Surface the
		// error text as output so pattern matching can classify it.
		res.ExitCode = -1
		res.Output = err.Error()
		return res, nil
	}
	return res, nil
}
