package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/GoCodeAlone/maestro/task"
)

// ExecAgent runs the PR worker as a subprocess. The worker receives the
// objective and background as arguments and prints a single JSON object on
// its last line of stdout.
type ExecAgent struct {
	name    string
	command string
	args    []string
	workDir string
	timeout time.Duration
}

// NewPRAgent creates a subprocess adapter. command is the worker
// executable, args are prepended before the objective and background.
func NewPRAgent(command string, args []string, workDir string, timeout time.Duration) *ExecAgent {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecAgent{
		name:    "pr",
		command: command,
		args:    args,
		workDir: workDir,
		timeout: timeout,
	}
}

// Name identifies the adapter instance.
func (a *ExecAgent) Name() string { return a.name }

// Kind is the role this agent fills.
func (a *ExecAgent) Kind() task.AgentName { return task.AgentPR }

// prOutput is the worker's JSON contract.
type prOutput struct {
	Title        string   `json:"title"`
	PRURL        string   `json:"pr_url"`
	BranchName   string   `json:"branch_name"`
	FilesChanged []string `json:"files_changed"`
	Success      bool     `json:"success"`
	Error        string   `json:"error"`
}

// Execute runs the worker once and parses its result from stdout.
func (a *ExecAgent) Execute(ctx context.Context, in Input) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	args := append(append([]string{}, a.args...), in.Objective)
	if bg := in.Context["background"]; bg != "" {
		args = append(args, bg)
	}

	cmd := exec.CommandContext(ctx, a.command, args...)
	cmd.Dir = a.workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(ctx, a.name, ErrKindTimeout,
				fmt.Sprintf("worker not finished after %s", a.timeout), ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, newError(ctx, a.name, ErrKindExecution,
				fmt.Sprintf("worker exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String())), err)
		}
		return nil, newError(ctx, a.name, ErrKindConnection,
			fmt.Sprintf("cannot start worker %s", a.command), err)
	}

	out, err := parsePROutput(stdout.String())
	if err != nil {
		return nil, newError(ctx, a.name, ErrKindExecution, "parse worker output", err)
	}
	return &Result{PR: &task.PRResult{
		Title:        out.Title,
		PRURL:        out.PRURL,
		BranchName:   out.BranchName,
		FilesChanged: out.FilesChanged,
		Success:      out.Success,
		Error:        out.Error,
	}}, nil
}

// parsePROutput takes the last non-empty stdout line as the worker's JSON
// result; earlier lines are progress chatter.
func parsePROutput(stdout string) (*prOutput, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var out prOutput
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			return nil, fmt.Errorf("last line is not JSON: %q", line)
		}
		return &out, nil
	}
	return nil, fmt.Errorf("empty worker output")
}

// HealthCheck verifies the worker executable resolves on PATH.
func (a *ExecAgent) HealthCheck(ctx context.Context) bool {
	_, err := exec.LookPath(a.command)
	return err == nil
}
