package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindsMatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"not found", &NotFoundError{Kind: "task", ID: "t1"}, ErrNotFound},
		{"validation", &ValidationError{Index: 2, Reason: "unresolvable dependency", Ref: "x"}, ErrValidation},
		{"transition", &InvalidTransitionError{TaskID: "t1", From: TaskStatusCompleted, To: TaskStatusPending}, ErrInvalidTransition},
		{"state", &InvalidStateError{SessionID: "s1", Status: SessionStatusCompleted, Op: "add message"}, ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.NotErrorIs(t, wrapped, ErrConflict)
		})
	}
}

func TestErrorDetailsRecoverable(t *testing.T) {
	err := fmt.Errorf("update task: %w", &InvalidTransitionError{
		TaskID: "t1", From: TaskStatusCompleted, To: TaskStatusPending,
	})

	var te *InvalidTransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "t1", te.TaskID)
	assert.Equal(t, TaskStatusCompleted, te.From)
	assert.Contains(t, err.Error(), "completed -> pending")
}

func TestValidationErrorMessages(t *testing.T) {
	assert.Equal(t, "invalid task spec 1: unresolvable dependency: nope",
		(&ValidationError{Index: 1, Ref: "nope", Reason: "unresolvable dependency"}).Error())
	assert.Equal(t, "invalid task spec 0: description is required",
		(&ValidationError{Index: 0, Reason: "description is required"}).Error())
	assert.Equal(t, "validation failed: user id is required",
		Invalid("user id is required", "").Error())
}

func TestNotFoundErrorMessage(t *testing.T) {
	assert.Equal(t, "session not found: abc", (&NotFoundError{Kind: "session", ID: "abc"}).Error())
}
