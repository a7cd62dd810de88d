package store

import (
	"context"
	"time"

	"github.com/joescharf/orch/internal/models"
)

// SessionListFilter specifies filters for listing sessions.
type SessionListFilter struct {
	UserID    string
	ProjectID string
	Status    models.SessionStatus
	Limit     int
}

// TaskWrite is a conditional update of a single task. It succeeds only while
// the stored row still has ExpectStatus and ExpectAttempts; otherwise the
// write returns models.ErrConflict. When Block is set it is called with the
// session's tasks as read inside the same transaction, and the pending tasks
// among the ids it returns move to blocked before the commit.
type TaskWrite struct {
	Task           *models.Task
	ExpectStatus   models.TaskStatus
	ExpectAttempts int
	Block          func(tasks []*models.Task) []string
	BlockReason    string
}

// Store defines the persistence interface for orch. Every write that touches
// a session's messages or tasks also bumps the session's last_active, and
// rejects sessions that are no longer active.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	FindActiveSession(ctx context.Context, userID, projectID string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	CompleteSession(ctx context.Context, id string, at time.Time) error

	// Transcript
	AppendMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]models.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// Tasks
	CreateTasks(ctx context.Context, sessionID string, tasks []*models.Task) error
	GetTask(ctx context.Context, sessionID, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, sessionID string) ([]*models.Task, error)
	UpdateTask(ctx context.Context, w TaskWrite) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
