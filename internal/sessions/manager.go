// Package sessions owns the lifecycle of orchestration sessions: idempotent
// acquisition per (user, project), the message transcript, statistics and
// completion.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/orch/internal/models"
	"github.com/joescharf/orch/internal/store"
	"github.com/joescharf/orch/internal/tasks"
)

// TaskCounter supplies live task counts for a session.
type TaskCounter interface {
	Counts(ctx context.Context, sessionID string) (tasks.Counts, error)
}

// Manager orchestrates session lifecycle over a store.Store.
type Manager struct {
	store  store.Store
	tasks  TaskCounter
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a session manager. Task counters in stats come from tc
// at call time.
func NewManager(s store.Store, tc TaskCounter) *Manager {
	return &Manager{
		store:  s,
		tasks:  tc,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger replaces the manager's logger.
func (m *Manager) SetLogger(l *slog.Logger) {
	if l != nil {
		m.logger = l
	}
}

// Stats is a read-only snapshot of a session.
type Stats struct {
	SessionID       string               `json:"session_id"`
	Status          models.SessionStatus `json:"status"`
	MessageCount    int                  `json:"message_count"`
	TotalTasks      int                  `json:"total_tasks"`
	CompletedTasks  int                  `json:"completed_tasks"`
	FailedTasks     int                  `json:"failed_tasks"`
	PendingTasks    int                  `json:"pending_tasks"`
	InProgressTasks int                  `json:"in_progress_tasks"`
	BlockedTasks    int                  `json:"blocked_tasks"`
	Outcome         tasks.Outcome        `json:"outcome"`
	CreatedAt       time.Time            `json:"created_at"`
	LastActive      time.Time            `json:"last_active"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
}

// LoadOrCreate returns the active session for (userID, projectID), bumping
// its last activity, or creates one. projectID may be empty.
func (m *Manager) LoadOrCreate(ctx context.Context, userID, projectID string) (*models.Session, error) {
	if userID == "" {
		return nil, models.Invalid("user id is required", "")
	}

	// A concurrent caller may win the insert; the unique index on active
	// owners turns that into a conflict and the second lookup finds it.
	for range 2 {
		sess, err := m.store.FindActiveSession(ctx, userID, projectID)
		switch {
		case err == nil:
			now := m.now()
			if err := m.store.TouchSession(ctx, sess.ID, now); err != nil {
				return nil, fmt.Errorf("touch session: %w", err)
			}
			sess.LastActive = now
			return sess, nil
		case !errors.Is(err, models.ErrNotFound):
			return nil, fmt.Errorf("find session: %w", err)
		}

		now := m.now()
		sess = &models.Session{
			UserID:     userID,
			ProjectID:  projectID,
			Status:     models.SessionStatusActive,
			CreatedAt:  now,
			LastActive: now,
		}
		err = m.store.CreateSession(ctx, sess)
		if err == nil {
			m.logger.Info("session created", "session", sess.ID, "user", userID, "project", projectID)
			return sess, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("load session for %s/%s: %w", userID, projectID, models.ErrConflict)
}

// Get returns a session with its transcript.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := m.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Messages = msgs
	return sess, nil
}

// List returns sessions most recently active first.
func (m *Manager) List(ctx context.Context, filter store.SessionListFilter) ([]*models.Session, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, models.Invalid("unknown session status", string(filter.Status))
	}
	return m.store.ListSessions(ctx, filter)
}

// AddMessage appends a message to the session transcript.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, role models.MessageRole, content string) (*models.Message, error) {
	if !role.Valid() {
		return nil, models.Invalid("unknown message role", string(role))
	}
	msg := &models.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: m.now(),
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetStats returns a snapshot of the session. Task counters are computed at
// call time.
func (m *Manager) GetStats(ctx context.Context, sessionID string) (*Stats, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	n, err := m.store.CountMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c, err := m.tasks.Counts(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	return &Stats{
		SessionID:       sess.ID,
		Status:          sess.Status,
		MessageCount:    n,
		TotalTasks:      c.Total,
		CompletedTasks:  c.Completed,
		FailedTasks:     c.Failed,
		PendingTasks:    c.Pending,
		InProgressTasks: c.InProgress,
		BlockedTasks:    c.Blocked,
		Outcome:         c.Outcome(),
		CreatedAt:       sess.CreatedAt,
		LastActive:      sess.LastActive,
		CompletedAt:     sess.CompletedAt,
	}, nil
}

// Complete moves an active session to completed. Completed is final: a
// second call returns an InvalidStateError.
func (m *Manager) Complete(ctx context.Context, sessionID string) error {
	if err := m.store.CompleteSession(ctx, sessionID, m.now()); err != nil {
		return err
	}
	m.logger.Info("session completed", "session", sessionID)
	return nil
}
