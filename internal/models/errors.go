package models

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching. The struct error types below carry the
// offending ids and match their sentinel.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidState      = errors.New("invalid state")
	// ErrConflict is returned by conditional store writes whose expected
	// state no longer matches.
	ErrConflict = errors.New("conflicting update")
)

// NotFoundError reports a missing session or task.
type NotFoundError struct {
	Kind string // "session" or "task"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError reports a malformed request. Index is the position of the
// offending task spec in its batch, or -1 when not applicable.
type ValidationError struct {
	Index  int
	Ref    string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Index >= 0 && e.Ref != "":
		return fmt.Sprintf("invalid task spec %d: %s: %s", e.Index, e.Reason, e.Ref)
	case e.Index >= 0:
		return fmt.Sprintf("invalid task spec %d: %s", e.Index, e.Reason)
	case e.Ref != "":
		return fmt.Sprintf("validation failed: %s: %s", e.Reason, e.Ref)
	default:
		return "validation failed: " + e.Reason
	}
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError that is not tied to a batch position.
func Invalid(reason, ref string) *ValidationError {
	return &ValidationError{Index: -1, Ref: ref, Reason: reason}
}

// InvalidTransitionError reports a status change the task state machine
// does not allow.
type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("task %s: cannot transition %s -> %s", e.TaskID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// InvalidStateError reports an operation attempted on a session that no
// longer accepts it.
type InvalidStateError struct {
	SessionID string
	Status    SessionStatus
	Op        string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("session %s is %s: cannot %s", e.SessionID, e.Status, e.Op)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
