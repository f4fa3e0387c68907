package main

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"

	"dispatchd/internal/domain"
)

// ExecRunner is the demo core logic shipped with the CLI: it runs the
// task's "command" input through the shell and returns its output as an
// artifact. Real deployments register their own Runner implementations.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner builds a shell runner.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Validate rejects tasks without a command before a slot is wasted on them.
func (r *ExecRunner) Validate(task *domain.Task) bool {
	cmd, ok := task.Inputs.String("command")
	return ok && strings.TrimSpace(cmd) != ""
}

// Plan describes the single step this runner performs.
func (r *ExecRunner) Plan(task *domain.Task) []domain.PlanStep {
	cmd, _ := task.Inputs.String("command")
	return []domain.PlanStep{
		{Name: "exec", Description: "run: " + cmd},
	}
}

// Execute runs the command under the task's context, so cancellation
// kills the process.
func (r *ExecRunner) Execute(ctx context.Context, task *domain.Task) ([]domain.Artifact, error) {
	command, _ := task.Inputs.String("command")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, domain.NewDomainError("ExecRunner.Execute", domain.ErrExecFailed, detail)
	}

	r.logger.Debug("command finished", "task_id", task.ID, "bytes", stdout.Len())
	return []domain.Artifact{
		{Name: "stdout", Kind: "text", Content: stdout.String()},
	}, nil
}

var (
	_ domain.Runner    = (*ExecRunner)(nil)
	_ domain.Validator = (*ExecRunner)(nil)
	_ domain.Planner   = (*ExecRunner)(nil)
)
