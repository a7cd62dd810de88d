package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/orch/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes every transaction, which also makes the conditional task
	// updates below linearizable.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// isUniqueViolation reports whether err came from a UNIQUE constraint.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = `id, user_id, project_id, status, created_at, last_active, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var status string
	var completedAt sql.NullTime
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.ProjectID, &status,
		&sess.CreatedAt, &sess.LastActive, &completedAt); err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	return sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActive.IsZero() {
		sess.LastActive = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusActive
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, project_id, status, created_at, last_active, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.ProjectID, string(sess.Status),
		sess.CreatedAt, sess.LastActive, sess.CompletedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create session: active session exists for %s/%s: %w", sess.UserID, sess.ProjectID, models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// FindActiveSession looks up the active session for a (user, project) pair
// through the partial unique index.
func (s *SQLiteStore) FindActiveSession(ctx context.Context, userID, projectID string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND project_id = ? AND status = 'active'`, userID, projectID))
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Kind: "session", ID: userID + "/" + projectID}
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var conditions []string
	var args []any

	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY last_active DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_active = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return &models.NotFoundError{Kind: "session", ID: id}
	}
	return nil
}

// CompleteSession moves an active session to completed.
func (s *SQLiteStore) CompleteSession(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'completed', completed_at = ?, last_active = ?
		WHERE id = ? AND status = 'active'`, at, at, id)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return &models.InvalidStateError{SessionID: id, Status: sess.Status, Op: "complete"}
}

// requireActive checks inside tx that the session exists and is active.
func requireActive(ctx context.Context, tx *sql.Tx, sessionID, op string) error {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", sessionID).Scan(&status)
	if err == sql.ErrNoRows {
		return &models.NotFoundError{Kind: "session", ID: sessionID}
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if models.SessionStatus(status) != models.SessionStatusActive {
		return &models.InvalidStateError{SessionID: sessionID, Status: models.SessionStatus(status), Op: op}
	}
	return nil
}

func touchTx(ctx context.Context, tx *sql.Tx, sessionID string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET last_active = ? WHERE id = ?", at.UTC(), sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// --- Transcript ---

// AppendMessage assigns the next sequence number and appends m to the
// session transcript.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = newULID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireActive(ctx, tx, m.SessionID, "add message"); err != nil {
		return err
	}

	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM session_messages WHERE session_id = ?", m.SessionID,
	).Scan(&m.Seq); err != nil {
		return fmt.Errorf("next message seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_messages (id, session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Seq, string(m.Role), m.Content, m.Timestamp,
	); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if err := touchTx(ctx, tx, m.SessionID, m.Timestamp); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, role, content, created_at FROM session_messages
		WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.MessageRole(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM session_messages WHERE session_id = ?", sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// --- Tasks ---

const taskColumns = `id, session_id, seq, phase, description, status, assigned_to, tier, depends_on,
	attempts, max_attempts, result, error_message, claimed_by, created_at, updated_at, completed_at`

func scanTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var phase, status, tier, dependsJSON, resultJSON string
	var completedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.SessionID, &t.Seq, &phase, &t.Description, &status,
		&t.AssignedTo, &tier, &dependsJSON, &t.Attempts, &t.MaxAttempts,
		&resultJSON, &t.ErrorMessage, &t.ClaimedBy, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Phase = models.Phase(phase)
	t.Status = models.TaskStatus(status)
	t.Tier = models.Tier(tier)
	if err := json.Unmarshal([]byte(dependsJSON), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on for task %s: %w", t.ID, err)
	}
	if t.DependsOn == nil {
		t.DependsOn = []string{}
	}
	if resultJSON != "" {
		t.Result = &models.TaskResult{}
		if err := json.Unmarshal([]byte(resultJSON), t.Result); err != nil {
			return nil, fmt.Errorf("decode result for task %s: %w", t.ID, err)
		}
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

// encodeTask returns the JSON columns for a task.
func encodeTask(t *models.Task) (dependsJSON, resultJSON string, err error) {
	deps := t.DependsOn
	if deps == nil {
		deps = []string{}
	}
	b, err := json.Marshal(deps)
	if err != nil {
		return "", "", fmt.Errorf("encode depends_on: %w", err)
	}
	dependsJSON = string(b)
	if t.Result != nil {
		r, err := json.Marshal(t.Result)
		if err != nil {
			return "", "", fmt.Errorf("encode result: %w", err)
		}
		resultJSON = string(r)
	}
	return dependsJSON, resultJSON, nil
}

// CreateTasks inserts the batch in one transaction, assigning Seq values
// after the session's existing tasks in slice order. A pending task whose
// dependency is failed or blocked, as read inside the transaction, is
// inserted blocked; the slice entries are updated to match.
func (s *SQLiteStore) CreateTasks(ctx context.Context, sessionID string, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireActive(ctx, tx, sessionID, "create tasks"); err != nil {
		return err
	}

	var base int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM tasks WHERE session_id = ?", sessionID).Scan(&base); err != nil {
		return fmt.Errorf("next task seq: %w", err)
	}

	existing, err := listTasks(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	known := make(map[string]*models.Task, len(existing)+len(tasks))
	for _, t := range existing {
		known[t.ID] = t
	}

	now := time.Now().UTC()
	for i, t := range tasks {
		if t.ID == "" {
			t.ID = newULID()
		}
		t.SessionID = sessionID
		t.Seq = base + i + 1
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = t.CreatedAt
		if t.Status == models.TaskStatusPending {
			blockOnDeadDependency(t, known)
		}
		known[t.ID] = t

		dependsJSON, resultJSON, err := encodeTask(t)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.SessionID, t.Seq, string(t.Phase), t.Description, string(t.Status),
			t.AssignedTo, string(t.Tier), dependsJSON, t.Attempts, t.MaxAttempts,
			resultJSON, t.ErrorMessage, t.ClaimedBy, t.CreatedAt, t.UpdatedAt, t.CompletedAt,
		); err != nil {
			return fmt.Errorf("create task %d: %w", i, err)
		}
	}

	if err := touchTx(ctx, tx, sessionID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func blockOnDeadDependency(t *models.Task, known map[string]*models.Task) {
	for _, id := range t.DependsOn {
		dep, ok := known[id]
		if !ok {
			continue
		}
		var reason string
		switch dep.Status {
		case models.TaskStatusFailed:
			reason = models.BlockedBy(dep.ID)
		case models.TaskStatusBlocked:
			reason = dep.ErrorMessage
		default:
			continue
		}
		at := t.CreatedAt
		t.Status = models.TaskStatusBlocked
		t.ErrorMessage = reason
		t.CompletedAt = &at
		return
	}
}

func (s *SQLiteStore) GetTask(ctx context.Context, sessionID, taskID string) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND session_id = ?`, taskID, sessionID))
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Kind: "task", ID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a session's tasks in creation order.
func (s *SQLiteStore) ListTasks(ctx context.Context, sessionID string) ([]*models.Task, error) {
	return listTasks(ctx, s.db, sessionID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listTasks(ctx context.Context, q queryer, sessionID string) ([]*models.Task, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask applies w as a compare-and-swap on (status, attempts).
func (s *SQLiteStore) UpdateTask(ctx context.Context, w TaskWrite) error {
	t := w.Task
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireActive(ctx, tx, t.SessionID, "update task"); err != nil {
		return err
	}

	now := time.Now().UTC()
	t.UpdatedAt = now
	dependsJSON, resultJSON, err := encodeTask(t)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET phase=?, description=?, status=?, assigned_to=?, tier=?, depends_on=?,
		attempts=?, max_attempts=?, result=?, error_message=?, claimed_by=?, updated_at=?, completed_at=?
		WHERE id=? AND session_id=? AND status=? AND attempts=?`,
		string(t.Phase), t.Description, string(t.Status), t.AssignedTo, string(t.Tier), dependsJSON,
		t.Attempts, t.MaxAttempts, resultJSON, t.ErrorMessage, t.ClaimedBy, t.UpdatedAt, t.CompletedAt,
		t.ID, t.SessionID, string(w.ExpectStatus), w.ExpectAttempts,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM tasks WHERE id = ? AND session_id = ?", t.ID, t.SessionID).Scan(&exists); err != nil {
			return fmt.Errorf("check task: %w", err)
		}
		if exists == 0 {
			return &models.NotFoundError{Kind: "task", ID: t.ID}
		}
		return fmt.Errorf("update task %s: %w", t.ID, models.ErrConflict)
	}

	if w.Block != nil {
		// Read after the write above so a concurrent batch insert is either
		// visible here or sees this task already failed.
		all, err := listTasks(ctx, tx, t.SessionID)
		if err != nil {
			return err
		}
		if block := w.Block(all); len(block) > 0 {
			args := []any{w.BlockReason, now, now, t.SessionID}
			for _, id := range block {
				args = append(args, id)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status='blocked', error_message=?, completed_at=?, updated_at=?
				WHERE session_id=? AND status='pending' AND id IN (`+placeholders(len(block))+`)`,
				args...,
			); err != nil {
				return fmt.Errorf("block dependents: %w", err)
			}
		}
	}

	if err := touchTx(ctx, tx, t.SessionID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
