package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/joescharf/orch/internal/git"
	"github.com/joescharf/orch/internal/models"
)

// Request is everything an executor gets for one task attempt.
type Request struct {
	Session *models.Session
	Task    *models.Task
	// Dependencies are the task's completed prerequisites.
	Dependencies []*models.Task
}

// Executor performs the work a task describes. A returned error or a failure
// result is recorded as a failed attempt.
type Executor interface {
	Execute(ctx context.Context, req Request) (*models.TaskResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (*models.TaskResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*models.TaskResult, error) {
	return f(ctx, req)
}

// Config configures the Claude CLI executor.
type Config struct {
	Command      string
	Model        string
	AllowedTools []string
	// TierModels overrides Model per task tier.
	TierModels map[models.Tier]string
	WorkDir    string
	// Changes, when set, fills in FilesChanged for agents that report none.
	Changes ChangeLister
}

// ModelFor returns the model used for tasks of the given tier.
func (c Config) ModelFor(tier models.Tier) string {
	if m := c.TierModels[tier]; m != "" {
		return m
	}
	return c.Model
}

// ChangeLister lists files with uncommitted changes under a directory.
type ChangeLister interface {
	ChangedFiles(ctx context.Context, dir string) ([]string, error)
}

// commandRunner runs a command and returns its stdout.
type commandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// ClaudeExecutor runs each task through the claude CLI in print mode.
type ClaudeExecutor struct {
	cfg Config
	run commandRunner
}

// NewClaudeExecutor creates an executor that shells out to cfg.Command.
func NewClaudeExecutor(cfg Config) *ClaudeExecutor {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &ClaudeExecutor{cfg: cfg, run: runCommand}
}

// cliResult is the envelope printed by `claude -p --output-format json`.
type cliResult struct {
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// taskReport is the final JSON line the agent is asked to print.
type taskReport struct {
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"files_changed"`
}

// Execute runs the agent for one attempt of req.Task.
func (e *ClaudeExecutor) Execute(ctx context.Context, req Request) (*models.TaskResult, error) {
	before := e.changedFiles(ctx)

	out, err := e.run(ctx, e.cfg.WorkDir, e.cfg.Command, e.buildArgs(req)...)
	if err != nil {
		return nil, err
	}

	var res cliResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("parse agent output: %w", err)
	}
	if res.IsError {
		return nil, errors.New(firstLine(res.Result, "agent reported an error"))
	}

	report, ok := parseReport(res.Result)
	if !ok {
		return nil, errors.New(firstLine(res.Result, "agent did not report completion"))
	}
	files := report.FilesChanged
	if len(files) == 0 && e.cfg.Changes != nil {
		files = git.NewChanges(before, e.changedFiles(ctx))
	}
	return models.Success(report.Summary, files), nil
}

// changedFiles is best effort: a work dir outside a repo has no changes to
// attribute.
func (e *ClaudeExecutor) changedFiles(ctx context.Context) []string {
	if e.cfg.Changes == nil {
		return nil
	}
	dir := e.cfg.WorkDir
	if dir == "" {
		dir = "."
	}
	files, err := e.cfg.Changes.ChangedFiles(ctx, dir)
	if err != nil {
		return nil
	}
	return files
}

// buildArgs constructs the claude CLI arguments for one attempt.
func (e *ClaudeExecutor) buildArgs(req Request) []string {
	args := []string{"-p", BuildKickoffPrompt(req.Task), "--output-format", "json"}

	if model := e.cfg.ModelFor(req.Task.Tier); model != "" {
		args = append(args, "--model", model)
	}
	for _, tool := range e.cfg.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	args = append(args, "--append-system-prompt", BuildSystemPrompt(req))
	return args
}

// parseReport finds the last line of text that decodes as a task report.
func parseReport(text string) (taskReport, bool) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var r taskReport
		if err := json.Unmarshal([]byte(line), &r); err == nil {
			return r, true
		}
	}
	return taskReport{}, false
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
