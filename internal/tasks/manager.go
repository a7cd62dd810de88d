// Package tasks owns the task graph of a session: batch creation with
// dependency validation, eligibility, the status state machine and
// progress accounting. Eligibility is recomputed from stored statuses on
// every call; there is no ready queue to go stale.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/orch/internal/models"
	"github.com/joescharf/orch/internal/store"
)

// DefaultMaxAttempts is used when neither the task spec nor the manager sets a
// retry budget.
const DefaultMaxAttempts = 3

// Manager owns task graphs stored in a store.Store.
type Manager struct {
	store       store.Store
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxAttempts sets the default retry budget for new tasks.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithLogger sets the logger for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a task manager over s.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:       s,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// activeSession loads a session and rejects it if completed.
func (m *Manager) activeSession(ctx context.Context, sessionID, op string) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionStatusActive {
		return nil, &models.InvalidStateError{SessionID: sessionID, Status: sess.Status, Op: op}
	}
	return sess, nil
}

// listTasks returns the session's tasks after checking the session exists.
func (m *Manager) listTasks(ctx context.Context, sessionID string) ([]*models.Task, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.ListTasks(ctx, sessionID)
}

// CreateTasks validates specs as one batch, resolves their dependency
// references and persists them atomically. The returned tasks are in input
// order. Tasks that depend on an already failed or blocked task start out
// blocked.
func (m *Manager) CreateTasks(ctx context.Context, sessionID string, specs []models.TaskSpec) ([]*models.Task, error) {
	if _, err := m.activeSession(ctx, sessionID, "create tasks"); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, models.Invalid("task batch is empty", "")
	}

	existing, err := m.store.ListTasks(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	existingByID := make(map[string]*models.Task, len(existing))
	for _, t := range existing {
		existingByID[t.ID] = t
	}

	ids := make([]string, len(specs))
	keys := make(map[string]int, len(specs))
	for i, spec := range specs {
		ids[i] = ulid.Make().String()
		if spec.Key == "" {
			continue
		}
		if _, dup := keys[spec.Key]; dup {
			return nil, &models.ValidationError{Index: i, Ref: spec.Key, Reason: "duplicate key"}
		}
		keys[spec.Key] = i
	}

	now := m.now()
	batch := make([]*models.Task, len(specs))
	names := make(map[string]string, len(specs))
	for i, spec := range specs {
		t, err := m.buildTask(i, spec, ids, keys, existingByID)
		if err != nil {
			return nil, err
		}
		t.CreatedAt = now
		batch[i] = t
		if spec.Key != "" {
			names[t.ID] = spec.Key
		}
	}

	g := newGraph(append(slices.Clone(existing), batch...))
	if cycle := g.findCycle(); cycle != nil {
		return nil, models.Invalid("dependency cycle", formatCycle(cycle, names))
	}

	if err := m.store.CreateTasks(ctx, sessionID, batch); err != nil {
		return nil, fmt.Errorf("create tasks: %w", err)
	}
	m.logger.Debug("tasks created", "session", sessionID, "count", len(batch))
	return batch, nil
}

// buildTask validates spec i and resolves its dependency references.
func (m *Manager) buildTask(i int, spec models.TaskSpec, ids []string, keys map[string]int, existing map[string]*models.Task) (*models.Task, error) {
	if !spec.Phase.Valid() {
		return nil, &models.ValidationError{Index: i, Ref: string(spec.Phase), Reason: "unknown phase"}
	}
	if spec.Description == "" {
		return nil, &models.ValidationError{Index: i, Reason: "description is required"}
	}
	tier := spec.Tier
	if tier == "" {
		tier = models.TierStandard
	}
	if !tier.Valid() {
		return nil, &models.ValidationError{Index: i, Ref: string(tier), Reason: "unknown tier"}
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = m.maxAttempts
	}
	if maxAttempts < 1 {
		return nil, &models.ValidationError{Index: i, Ref: strconv.Itoa(spec.MaxAttempts), Reason: "max attempts must be at least 1"}
	}

	deps := []string{}
	for _, ref := range spec.DependsOn {
		id, reason := resolveRef(ref, i, ids, keys, existing)
		if reason != "" {
			return nil, &models.ValidationError{Index: i, Ref: ref, Reason: reason}
		}
		if !slices.Contains(deps, id) {
			deps = append(deps, id)
		}
	}

	return &models.Task{
		ID:          ids[i],
		Phase:       spec.Phase,
		Description: spec.Description,
		Status:      models.TaskStatusPending,
		AssignedTo:  spec.AssignedTo,
		Tier:        tier,
		DependsOn:   deps,
		MaxAttempts: maxAttempts,
	}, nil
}

// resolveRef resolves a dependency reference of batch entry i: a key in the
// batch, then a zero-based batch index, then an existing task id in the
// session. Batch references must point at earlier entries. A non-empty
// reason means the reference is rejected.
func resolveRef(ref string, i int, ids []string, keys map[string]int, existing map[string]*models.Task) (string, string) {
	idx, ok := keys[ref]
	if !ok {
		if n, err := strconv.Atoi(ref); err == nil && n >= 0 && n < len(ids) {
			idx, ok = n, true
		}
	}
	if ok {
		switch {
		case idx == i:
			return "", "task depends on itself"
		case idx > i:
			return "", "forward reference"
		}
		return ids[idx], ""
	}
	if _, ok := existing[ref]; ok {
		return ref, ""
	}
	return "", "unresolvable dependency"
}

// eligible reports whether t is pending with every dependency completed.
func eligible(t *models.Task, status map[string]models.TaskStatus) bool {
	if t.Status != models.TaskStatusPending {
		return false
	}
	for _, dep := range t.DependsOn {
		if status[dep] != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

func statusIndex(tasks []*models.Task) map[string]models.TaskStatus {
	idx := make(map[string]models.TaskStatus, len(tasks))
	for _, t := range tasks {
		idx[t.ID] = t.Status
	}
	return idx
}

// nextEligible returns the first-created eligible task. tasks must be in
// creation order.
func nextEligible(tasks []*models.Task) *models.Task {
	status := statusIndex(tasks)
	for _, t := range tasks {
		if eligible(t, status) {
			return t
		}
	}
	return nil
}

// GetNextTask returns the earliest-created pending task whose dependencies
// have all completed, or nil when no task is eligible. It does not mutate
// state.
func (m *Manager) GetNextTask(ctx context.Context, sessionID string) (*models.Task, error) {
	tasks, err := m.listTasks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return nextEligible(tasks), nil
}

// ListTasks returns a session's tasks in creation order.
func (m *Manager) ListTasks(ctx context.Context, sessionID string) ([]*models.Task, error) {
	return m.listTasks(ctx, sessionID)
}

// GetTask returns a single task.
func (m *Manager) GetTask(ctx context.Context, sessionID, taskID string) (*models.Task, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.GetTask(ctx, sessionID, taskID)
}

// UpdateTask applies patch through the state machine. The write is
// conditional on the status and attempt count that were read, so of two
// concurrent claims on the same pending task exactly one succeeds; the
// other gets an InvalidTransitionError.
func (m *Manager) UpdateTask(ctx context.Context, sessionID, taskID string, patch models.TaskPatch) (*models.Task, error) {
	if _, err := m.activeSession(ctx, sessionID, "update task"); err != nil {
		return nil, err
	}
	cur, err := m.store.GetTask(ctx, sessionID, taskID)
	if err != nil {
		return nil, err
	}

	ev, hasEvent, err := eventForPatch(patch)
	if err != nil {
		var te *models.InvalidTransitionError
		if errors.As(err, &te) {
			te.TaskID, te.From = taskID, cur.Status
		}
		return nil, err
	}
	if !hasEvent && !patch.HasEdits() {
		return nil, models.Invalid("empty task patch", taskID)
	}

	next := cur.Clone()
	if patch.HasEdits() {
		if err := applyEdits(next, cur, patch); err != nil {
			return nil, err
		}
	}

	var (
		block   []string
		blockFn func([]*models.Task) []string
	)
	now := m.now()
	if hasEvent {
		status, err := NextStatus(cur.Status, cur.Attempts, cur.MaxAttempts, ev)
		if err != nil {
			var te *models.InvalidTransitionError
			if errors.As(err, &te) {
				te.TaskID = taskID
			}
			return nil, err
		}
		next.Status = status

		switch ev {
		case EventStart:
			tasks, err := m.store.ListTasks(ctx, sessionID)
			if err != nil {
				return nil, fmt.Errorf("list tasks: %w", err)
			}
			if !eligible(cur, statusIndex(tasks)) {
				return nil, &models.InvalidTransitionError{
					TaskID: taskID, From: cur.Status, To: status,
					Reason: "dependencies not completed",
				}
			}
			next.Attempts++
			next.ClaimedBy = patch.ClaimedBy
		case EventSucceed:
			result := patch.Result
			if result == nil {
				result = models.Success("", nil)
			}
			if result.Kind != models.ResultSuccess {
				return nil, models.Invalid("completed task requires a success result", string(result.Kind))
			}
			if err := result.Validate(); err != nil {
				return nil, models.Invalid(err.Error(), taskID)
			}
			next.Result = result
			next.ErrorMessage = ""
			next.CompletedAt = &now
		case EventFail, EventAbandon:
			reason := failureReason(patch, ev)
			next.Result = models.Failure(reason)
			next.ErrorMessage = reason
			next.ClaimedBy = ""
			if ev == EventAbandon {
				next.Attempts = next.MaxAttempts
			}
			if status == models.TaskStatusFailed {
				next.CompletedAt = &now
				blockFn = func(tasks []*models.Task) []string {
					block = newGraph(tasks).downstream(taskID)
					return block
				}
			}
		}
	}

	err = m.store.UpdateTask(ctx, store.TaskWrite{
		Task:           next,
		ExpectStatus:   cur.Status,
		ExpectAttempts: cur.Attempts,
		Block:          blockFn,
		BlockReason:    models.BlockedBy(taskID),
	})
	if errors.Is(err, models.ErrConflict) {
		fresh, gerr := m.store.GetTask(ctx, sessionID, taskID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &models.InvalidTransitionError{
			TaskID: taskID, From: fresh.Status, To: next.Status,
			Reason: "task was modified concurrently",
		}
	}
	if err != nil {
		return nil, err
	}

	if hasEvent {
		m.logger.Info("task transition",
			"session", sessionID, "task", taskID,
			"from", cur.Status, "to", next.Status,
			"attempt", next.Attempts, "max_attempts", next.MaxAttempts)
		if len(block) > 0 {
			m.logger.Warn("dependents blocked by failed task",
				"session", sessionID, "task", taskID, "blocked", len(block))
		}
	}
	return next, nil
}

// applyEdits copies descriptive fields from patch. They are frozen once a
// task has been claimed.
func applyEdits(next, cur *models.Task, patch models.TaskPatch) error {
	if cur.Status != models.TaskStatusPending {
		return &models.InvalidTransitionError{
			TaskID: cur.ID, From: cur.Status, To: cur.Status,
			Reason: "task fields can only change while pending",
		}
	}
	if patch.Description != nil {
		if *patch.Description == "" {
			return models.Invalid("description is required", cur.ID)
		}
		next.Description = *patch.Description
	}
	if patch.AssignedTo != nil {
		next.AssignedTo = *patch.AssignedTo
	}
	if patch.Tier != nil {
		if !patch.Tier.Valid() {
			return models.Invalid("unknown tier", string(*patch.Tier))
		}
		next.Tier = *patch.Tier
	}
	return nil
}

func failureReason(patch models.TaskPatch, ev Event) string {
	switch {
	case patch.ErrorMessage != "":
		return patch.ErrorMessage
	case patch.Result != nil && patch.Result.Reason != "":
		return patch.Result.Reason
	case ev == EventAbandon:
		return "abandoned"
	default:
		return "task failed"
	}
}

// Counts tallies the session's tasks by status.
func (m *Manager) Counts(ctx context.Context, sessionID string) (Counts, error) {
	tasks, err := m.listTasks(ctx, sessionID)
	if err != nil {
		return Counts{}, err
	}
	return CountTasks(tasks), nil
}

// GetProgress returns completed/total and the rounded completion percentage.
func (m *Manager) GetProgress(ctx context.Context, sessionID string) (Progress, error) {
	c, err := m.Counts(ctx, sessionID)
	if err != nil {
		return Progress{}, err
	}
	return c.Progress(), nil
}

// AreAllTasksComplete reports whether every task of the session completed.
// A permanently failed or blocked task keeps this false for good.
func (m *Manager) AreAllTasksComplete(ctx context.Context, sessionID string) (bool, error) {
	c, err := m.Counts(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return c.Completed == c.Total, nil
}

// Report summarizes the session's task graph.
func (m *Manager) Report(ctx context.Context, sessionID string) (*Report, error) {
	tasks, err := m.listTasks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return buildReport(sessionID, tasks), nil
}

// Outcome derives the session-level outcome from task statuses.
func (m *Manager) Outcome(ctx context.Context, sessionID string) (Outcome, error) {
	c, err := m.Counts(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return c.Outcome(), nil
}
