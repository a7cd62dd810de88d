// Package agent drives a session's task graph: it claims eligible tasks,
// hands them to an Executor and reports each outcome back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/orch/internal/models"
	"github.com/joescharf/orch/internal/tasks"
)

var (
	// ErrNoTasks is returned when Run is called on a session without tasks.
	ErrNoTasks = errors.New("session has no tasks")
	// ErrSessionStalled is returned when no task can run and the graph is
	// not complete.
	ErrSessionStalled = errors.New("session stalled")
)

// TaskService is the subset of tasks.Manager the runner drives.
type TaskService interface {
	GetNextTask(ctx context.Context, sessionID string) (*models.Task, error)
	UpdateTask(ctx context.Context, sessionID, taskID string, patch models.TaskPatch) (*models.Task, error)
	ListTasks(ctx context.Context, sessionID string) ([]*models.Task, error)
	Report(ctx context.Context, sessionID string) (*tasks.Report, error)
}

// SessionService is the subset of sessions.Manager the runner needs.
type SessionService interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Complete(ctx context.Context, sessionID string) error
}

// Observer is notified as the runner moves tasks through their lifecycle.
type Observer interface {
	TaskStarted(t *models.Task)
	TaskFinished(t *models.Task)
}

type nopObserver struct{}

func (nopObserver) TaskStarted(*models.Task)  {}
func (nopObserver) TaskFinished(*models.Task) {}

// DefaultPollInterval is how long the runner waits while tasks claimed by
// other runners are still in progress.
const DefaultPollInterval = 2 * time.Second

// Runner is a single execution loop over one session at a time.
type Runner struct {
	id       string
	tasks    TaskService
	sessions SessionService
	exec     Executor
	poll     time.Duration
	observer Observer
	logger   *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPollInterval sets the wait between polls when nothing is eligible.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithObserver registers an observer for task progress.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a runner with a fresh identity. The identity is recorded
// on every task it claims.
func NewRunner(ts TaskService, ss SessionService, exec Executor, opts ...RunnerOption) *Runner {
	r := &Runner{
		id:       uuid.NewString(),
		tasks:    ts,
		sessions: ss,
		exec:     exec,
		poll:     DefaultPollInterval,
		observer: nopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the runner's claim identity.
func (r *Runner) ID() string { return r.id }

// Run executes the session's tasks until every task has completed, in which
// case the session is completed and the final report returned. It returns
// ErrSessionStalled with the report when a permanent failure leaves nothing
// runnable, and the context error when ctx is cancelled between tasks.
func (r *Runner) Run(ctx context.Context, sessionID string) (*tasks.Report, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next, err := r.tasks.GetNextTask(ctx, sessionID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("next task: %w", err)
		}
		if next == nil {
			report, done, err := r.settle(ctx, sessionID)
			if err != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if done || err != nil {
				return report, err
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.poll):
			}
			continue
		}

		if err := r.runTask(ctx, sessionID, next); err != nil {
			return nil, err
		}
	}
}

// settle decides what to do when no task is eligible. done is false while
// tasks claimed elsewhere are still in progress.
func (r *Runner) settle(ctx context.Context, sessionID string) (*tasks.Report, bool, error) {
	report, err := r.tasks.Report(ctx, sessionID)
	if err != nil {
		return nil, true, fmt.Errorf("report: %w", err)
	}

	switch report.Outcome {
	case tasks.OutcomeEmpty:
		return report, true, ErrNoTasks
	case tasks.OutcomeSucceeded:
		if err := r.sessions.Complete(ctx, sessionID); err != nil && !errors.Is(err, models.ErrInvalidState) {
			return report, true, fmt.Errorf("complete session: %w", err)
		}
		r.logger.Info("session finished", "session", sessionID, "tasks", report.Counts.Total)
		return report, true, nil
	case tasks.OutcomeFailed:
		return report, true, fmt.Errorf("%w: %d failed, %d blocked",
			ErrSessionStalled, report.Counts.Failed, report.Counts.Blocked)
	}

	if report.Counts.InProgress == 0 {
		return report, true, ErrSessionStalled
	}
	r.logger.Debug("waiting on in-progress tasks", "session", sessionID, "in_progress", report.Counts.InProgress)
	return report, false, nil
}

// runTask claims t, executes it and reports the outcome. A lost claim race is
// not an error; the loop simply moves on.
func (r *Runner) runTask(ctx context.Context, sessionID string, t *models.Task) error {
	inProgress := models.TaskStatusInProgress
	claimed, err := r.tasks.UpdateTask(ctx, sessionID, t.ID, models.TaskPatch{
		Status:    &inProgress,
		ClaimedBy: r.id,
	})
	if errors.Is(err, models.ErrInvalidTransition) {
		r.logger.Debug("claim lost", "session", sessionID, "task", t.ID, "error", err)
		return nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("claim task: %w", err)
	}
	r.observer.TaskStarted(claimed)

	req, err := r.request(ctx, sessionID, claimed)
	var result *models.TaskResult
	if err == nil {
		result, err = r.exec.Execute(ctx, req)
	}

	// The outcome is recorded even when ctx was cancelled mid-attempt so the
	// task does not stay claimed by a runner that has gone away.
	reportCtx := context.WithoutCancel(ctx)
	var patch models.TaskPatch
	failed := models.TaskStatusFailed
	switch {
	case err != nil:
		patch = models.TaskPatch{Status: &failed, ErrorMessage: err.Error()}
	case result != nil && result.Kind == models.ResultFailure:
		patch = models.TaskPatch{Status: &failed, ErrorMessage: result.Reason}
	default:
		completed := models.TaskStatusCompleted
		patch = models.TaskPatch{Status: &completed, Result: result}
	}

	updated, uerr := r.tasks.UpdateTask(reportCtx, sessionID, claimed.ID, patch)
	if uerr != nil {
		return fmt.Errorf("report task %s: %w", claimed.ID, uerr)
	}
	r.observer.TaskFinished(updated)
	r.logger.Info("task attempt finished",
		"session", sessionID, "task", updated.ID,
		"status", updated.Status, "attempt", updated.Attempts)

	return ctx.Err()
}

// request gathers the session transcript and completed prerequisites.
func (r *Runner) request(ctx context.Context, sessionID string, t *models.Task) (Request, error) {
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return Request{}, fmt.Errorf("load session: %w", err)
	}
	all, err := r.tasks.ListTasks(ctx, sessionID)
	if err != nil {
		return Request{}, fmt.Errorf("list tasks: %w", err)
	}
	req := Request{Session: sess, Task: t}
	for _, other := range all {
		if slices.Contains(t.DependsOn, other.ID) {
			req.Dependencies = append(req.Dependencies, other)
		}
	}
	return req, nil
}

// Reconcile fails every in-progress task of the session claimed by another
// runner, returning how many were released. Each release consumes an
// attempt, so a task with attempts left goes back to pending. Call it only
// when no other runner is alive.
func (r *Runner) Reconcile(ctx context.Context, sessionID string) (int, error) {
	all, err := r.tasks.ListTasks(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}

	released := 0
	failed := models.TaskStatusFailed
	for _, t := range all {
		if t.Status != models.TaskStatusInProgress || t.ClaimedBy == r.id {
			continue
		}
		owner := t.ClaimedBy
		if owner == "" {
			owner = "unknown runner"
		}
		_, err := r.tasks.UpdateTask(ctx, sessionID, t.ID, models.TaskPatch{
			Status:       &failed,
			ErrorMessage: "claim by " + owner + " lost",
		})
		if errors.Is(err, models.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return released, fmt.Errorf("release task %s: %w", t.ID, err)
		}
		released++
	}
	return released, nil
}
