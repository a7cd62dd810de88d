package llm

import (
	"context"
	"fmt"

	"github.com/joescharf/orch/internal/models"
)

// PlanSource produces task specs for a request given the conversation so far.
type PlanSource interface {
	Plan(ctx context.Context, request string, transcript []models.Message) ([]models.TaskSpec, error)
}

// Transcript is the subset of sessions.Manager used to read and extend the
// conversation.
type Transcript interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	AddMessage(ctx context.Context, sessionID string, role models.MessageRole, content string) (*models.Message, error)
}

// TaskCreator is the subset of tasks.Manager that materializes a plan.
type TaskCreator interface {
	CreateTasks(ctx context.Context, sessionID string, specs []models.TaskSpec) ([]*models.Task, error)
}

// PlanSession plans request against the session transcript, creates the
// resulting tasks and records the exchange. Nothing is recorded if planning
// or task creation fails.
func PlanSession(ctx context.Context, p PlanSource, tr Transcript, tc TaskCreator, sessionID, request string) ([]*models.Task, error) {
	sess, err := tr.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionStatusActive {
		return nil, &models.InvalidStateError{SessionID: sessionID, Status: sess.Status, Op: "plan"}
	}

	specs, err := p.Plan(ctx, request, sess.Messages)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	created, err := tc.CreateTasks(ctx, sessionID, specs)
	if err != nil {
		return nil, err
	}

	if _, err := tr.AddMessage(ctx, sessionID, models.RoleUser, request); err != nil {
		return created, fmt.Errorf("record request: %w", err)
	}
	if _, err := tr.AddMessage(ctx, sessionID, models.RoleAssistant, Summary(specs)); err != nil {
		return created, fmt.Errorf("record plan: %w", err)
	}
	return created, nil
}
