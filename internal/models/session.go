package models

import "time"

// SessionStatus represents the state of an orchestration session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	return s == SessionStatusActive || s == SessionStatusCompleted
}

// MessageRole identifies the author of a transcript message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Valid returns true if the role is a known value.
func (r MessageRole) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one entry of a session's append-only transcript.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Seq       int         `json:"seq"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// Session is the coordination scope for one user's multi-task coding request.
// ProjectID is empty when no project has been chosen yet.
type Session struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	ProjectID   string        `json:"project_id,omitempty"`
	Status      SessionStatus `json:"status"`
	Messages    []Message     `json:"messages,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	LastActive  time.Time     `json:"last_active"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}
