package models

import (
	"slices"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting to be claimed.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates an executor has claimed the task.
	TaskStatusInProgress TaskStatus = "in-progress"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task exhausted its attempts.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusBlocked indicates a task can never run because a
	// dependency failed permanently.
	TaskStatusBlocked TaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are accepted.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusBlocked
}

// BlockedBy is the error message of a task blocked by failedID.
func BlockedBy(failedID string) string {
	return "blocked by failed task " + failedID
}

// Phase is an informational grouping tag. It does not affect ordering.
type Phase string

const (
	PhaseSetup      Phase = "setup"
	PhaseInitialize Phase = "initialize"
	PhaseImplement  Phase = "implement"
	PhaseBuild      Phase = "build"
	PhaseTest       Phase = "test"
	PhasePreview    Phase = "preview"
)

// Phases lists the phase vocabulary in its canonical order.
var Phases = []Phase{PhaseSetup, PhaseInitialize, PhaseImplement, PhaseBuild, PhaseTest, PhasePreview}

// Valid returns true if the phase belongs to the vocabulary.
func (p Phase) Valid() bool {
	return slices.Contains(Phases, p)
}

// Tier is an execution-cost hint passed through to the executor.
type Tier string

const (
	TierQuick    Tier = "quick"
	TierStandard Tier = "standard"
	TierDeep     Tier = "deep"
)

// Tiers lists the known tiers from cheapest to most capable.
var Tiers = []Tier{TierQuick, TierStandard, TierDeep}

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	return slices.Contains(Tiers, t)
}

// Task is one unit of work within a session.
type Task struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	// Seq is the creation position within the session, starting at 1.
	Seq          int         `json:"seq"`
	Phase        Phase       `json:"phase"`
	Description  string      `json:"description"`
	Status       TaskStatus  `json:"status"`
	AssignedTo   string      `json:"assigned_to,omitempty"`
	Tier         Tier        `json:"tier"`
	DependsOn    []string    `json:"depends_on"`
	Attempts     int         `json:"attempts"`
	MaxAttempts  int         `json:"max_attempts"`
	Result       *TaskResult `json:"result,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	// ClaimedBy identifies the execution loop holding the current attempt.
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = slices.Clone(t.DependsOn)
	if t.Result != nil {
		r := *t.Result
		r.FilesChanged = slices.Clone(t.Result.FilesChanged)
		c.Result = &r
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// TaskSpec describes a task to be created. DependsOn entries reference a
// Key in the same batch, a zero-based index into the same batch, or the ID
// of a task already in the session.
type TaskSpec struct {
	Key         string   `json:"key,omitempty" yaml:"key,omitempty"`
	Phase       Phase    `json:"phase" yaml:"phase"`
	Description string   `json:"description" yaml:"description"`
	AssignedTo  string   `json:"assigned_to,omitempty" yaml:"assigned_to,omitempty"`
	Tier        Tier     `json:"tier,omitempty" yaml:"tier,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// TaskPatch is a partial update applied through the task state machine.
// Description, AssignedTo and Tier may only change while a task is pending.
type TaskPatch struct {
	Status       *TaskStatus `json:"status,omitempty"`
	Result       *TaskResult `json:"result,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	ClaimedBy    string      `json:"claimed_by,omitempty"`
	// Abandon forces an in-progress task to permanent failure.
	Abandon     bool    `json:"abandon,omitempty"`
	Description *string `json:"description,omitempty"`
	AssignedTo  *string `json:"assigned_to,omitempty"`
	Tier        *Tier   `json:"tier,omitempty"`
}

// StatusPatch returns a patch that only requests a status change.
func StatusPatch(status TaskStatus) TaskPatch {
	return TaskPatch{Status: &status}
}

// HasEdits reports whether the patch changes any descriptive field.
func (p TaskPatch) HasEdits() bool {
	return p.Description != nil || p.AssignedTo != nil || p.Tier != nil
}
