package tasks

import (
	"fmt"

	"github.com/joescharf/orch/internal/models"
)

// Event is an attempt outcome reported against a task.
type Event string

const (
	// EventStart claims a pending task for execution.
	EventStart Event = "start"
	// EventSucceed records a successful attempt.
	EventSucceed Event = "succeed"
	// EventFail records a failed attempt.
	EventFail Event = "fail"
	// EventAbandon gives up on an in-progress task without further retries.
	EventAbandon Event = "abandon"
)

// target is the status a caller asks for when reporting the event.
func (e Event) target() models.TaskStatus {
	switch e {
	case EventStart:
		return models.TaskStatusInProgress
	case EventSucceed:
		return models.TaskStatusCompleted
	default:
		return models.TaskStatusFailed
	}
}

// NextStatus derives the status a task moves to when ev is applied.
// attempts is the count before the event; EventStart is the only event that
// consumes an attempt. A failure with attempts left sends the task back to
// pending for a retry.
func NextStatus(current models.TaskStatus, attempts, maxAttempts int, ev Event) (models.TaskStatus, error) {
	invalid := func(reason string) error {
		return &models.InvalidTransitionError{From: current, To: ev.target(), Reason: reason}
	}

	switch ev {
	case EventStart:
		if current != models.TaskStatusPending {
			return "", invalid("")
		}
		if attempts >= maxAttempts {
			return "", invalid(fmt.Sprintf("no attempts left (%d/%d)", attempts, maxAttempts))
		}
		return models.TaskStatusInProgress, nil
	case EventSucceed:
		if current != models.TaskStatusInProgress {
			return "", invalid("")
		}
		return models.TaskStatusCompleted, nil
	case EventFail:
		if current != models.TaskStatusInProgress {
			return "", invalid("")
		}
		if attempts < maxAttempts {
			return models.TaskStatusPending, nil
		}
		return models.TaskStatusFailed, nil
	case EventAbandon:
		if current != models.TaskStatusInProgress {
			return "", invalid("only in-progress tasks can be abandoned")
		}
		return models.TaskStatusFailed, nil
	default:
		return "", invalid(fmt.Sprintf("unknown event %q", ev))
	}
}

// eventForPatch maps a requested status to the event it reports.
func eventForPatch(p models.TaskPatch) (Event, bool, error) {
	if p.Abandon {
		return EventAbandon, true, nil
	}
	if p.Status == nil {
		return "", false, nil
	}
	switch *p.Status {
	case models.TaskStatusInProgress:
		return EventStart, true, nil
	case models.TaskStatusCompleted:
		return EventSucceed, true, nil
	case models.TaskStatusFailed:
		return EventFail, true, nil
	case models.TaskStatusPending, models.TaskStatusBlocked:
		return "", false, &models.InvalidTransitionError{To: *p.Status, Reason: "status cannot be requested directly"}
	default:
		return "", false, models.Invalid("unknown task status", string(*p.Status))
	}
}
