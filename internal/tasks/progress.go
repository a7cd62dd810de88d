package tasks

import (
	"math"

	"github.com/joescharf/orch/internal/models"
)

// Counts tallies a session's tasks by status.
type Counts struct {
	Total      int `json:"total_tasks"`
	Pending    int `json:"pending_tasks"`
	InProgress int `json:"in_progress_tasks"`
	Completed  int `json:"completed_tasks"`
	Failed     int `json:"failed_tasks"`
	Blocked    int `json:"blocked_tasks"`
}

// CountTasks tallies tasks by status.
func CountTasks(tasks []*models.Task) Counts {
	c := Counts{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case models.TaskStatusPending:
			c.Pending++
		case models.TaskStatusInProgress:
			c.InProgress++
		case models.TaskStatusCompleted:
			c.Completed++
		case models.TaskStatusFailed:
			c.Failed++
		case models.TaskStatusBlocked:
			c.Blocked++
		}
	}
	return c
}

// Outcome is the session-level state derived from task statuses.
type Outcome string

const (
	// OutcomeEmpty means no tasks have been created yet.
	OutcomeEmpty Outcome = "empty"
	// OutcomeRunning means some task is pending or in progress.
	OutcomeRunning Outcome = "running"
	// OutcomeSucceeded means every task completed.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed means nothing can run and at least one task failed or
	// was blocked.
	OutcomeFailed Outcome = "failed"
)

// Outcome derives the session outcome. Dependents of a failed task are
// blocked when it fails, so a pending task always has a path to eligibility.
func (c Counts) Outcome() Outcome {
	switch {
	case c.Total == 0:
		return OutcomeEmpty
	case c.Completed == c.Total:
		return OutcomeSucceeded
	case c.Pending+c.InProgress > 0:
		return OutcomeRunning
	default:
		return OutcomeFailed
	}
}

// Progress is the completion ratio of a session's tasks.
type Progress struct {
	CompletedTasks  int `json:"completed_tasks"`
	TotalTasks      int `json:"total_tasks"`
	PercentComplete int `json:"percent_complete"`
}

// Progress computes completion from the counts. An empty session is 0%.
func (c Counts) Progress() Progress {
	p := Progress{CompletedTasks: c.Completed, TotalTasks: c.Total}
	if c.Total > 0 {
		p.PercentComplete = int(math.Round(100 * float64(c.Completed) / float64(c.Total)))
	}
	return p
}

// PhaseSummary tallies the tasks tagged with one phase.
type PhaseSummary struct {
	Phase  models.Phase `json:"phase"`
	Counts Counts       `json:"counts"`
}

// Report is a point-in-time summary of a session's task graph.
type Report struct {
	SessionID string         `json:"session_id"`
	Outcome   Outcome        `json:"outcome"`
	Progress  Progress       `json:"progress"`
	Counts    Counts         `json:"counts"`
	Phases    []PhaseSummary `json:"phases"`
	// Problems lists failed and blocked tasks in creation order.
	Problems []*models.Task `json:"problems,omitempty"`
	// Next is the task getNextTask would return, if any.
	Next *models.Task `json:"next,omitempty"`
}

func buildReport(sessionID string, tasks []*models.Task) *Report {
	counts := CountTasks(tasks)
	r := &Report{
		SessionID: sessionID,
		Outcome:   counts.Outcome(),
		Progress:  counts.Progress(),
		Counts:    counts,
		Next:      nextEligible(tasks),
	}

	byPhase := make(map[models.Phase][]*models.Task)
	for _, t := range tasks {
		byPhase[t.Phase] = append(byPhase[t.Phase], t)
		if t.Status == models.TaskStatusFailed || t.Status == models.TaskStatusBlocked {
			r.Problems = append(r.Problems, t)
		}
	}
	for _, p := range models.Phases {
		if ts, ok := byPhase[p]; ok {
			r.Phases = append(r.Phases, PhaseSummary{Phase: p, Counts: CountTasks(ts)})
		}
	}
	return r
}
