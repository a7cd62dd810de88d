package sessions

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/orch/internal/models"
	"github.com/joescharf/orch/internal/store"
	"github.com/joescharf/orch/internal/tasks"
)

func newTestManagers(t *testing.T) (*Manager, *tasks.Manager) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	tm := tasks.NewManager(s)
	return NewManager(s, tm), tm
}

func TestLoadOrCreate_Idempotent(t *testing.T) {
	m, _ := newTestManagers(t)
	ctx := context.Background()

	first, err := m.LoadOrCreate(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, models.SessionStatusActive, first.Status)

	second, err := m.LoadOrCreate(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.LastActive.Before(first.LastActive))

	other, err := m.LoadOrCreate(ctx, "u1", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID, "project-less session is a separate pair")

	require.NoError(t, m.Complete(ctx, first.ID))
	fresh, err := m.LoadOrCreate(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID, "completed sessions are not reused")
}

func TestLoadOrCreate_RequiresUser(t *testing.T) {
	m, _ := newTestManagers(t)
	_, err := m.LoadOrCreate(context.Background(), "", "p1")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestLoadOrCreate_Concurrent(t *testing.T) {
	m, _ := newTestManagers(t)
	ctx := context.Background()

	const callers = 6
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := m.LoadOrCreate(ctx, "u1", "p1")
			if assert.NoError(t, err) {
				ids[i] = sess.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
}

func TestAddMessage_Order(t *testing.T) {
	m, _ := newTestManagers(t)
	ctx := context.Background()

	sess, err := m.LoadOrCreate(ctx, "u1", "p1")
	require.NoError(t, err)

	_, err = m.AddMessage(ctx, sess.ID, models.RoleUser, "build me a todo app")
	require.NoError(t, err)
	_, err = m.AddMessage(ctx, sess.ID, models.RoleAssistant, "planning 5 tasks")
	require.NoError(t, err)
	_, err = m.AddMessage(ctx, sess.ID, models.RoleUser, "add dark mode")
	require.NoError(t, err)

	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "build me a todo app", got.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "add dark mode", got.Messages[2].Content)
	assert.Equal(t, 3, got.Messages[2].Seq)
}

func TestAddMessage_Errors(t *testing.T) {
	m, _ := newTestManagers(t)
	ctx := context.Background()

	_, err := m.AddMessage(ctx, "missing", models.RoleUser, "hi")
	assert.ErrorIs(t, err, models.ErrNotFound)

	sess, err := m.LoadOrCreate(ctx, "u1", "")
	require.NoError(t, err)

	_, err = m.AddMessage(ctx, sess.ID, "system", "hi")
	assert.ErrorIs(t, err, models.ErrValidation)

	require.NoError(t, m.Complete(ctx, sess.ID))
	_, err = m.AddMessage(ctx, sess.ID, models.RoleUser, "hi")
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestComplete(t *testing.T) {
	m, _ := newTestManagers(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.Complete(ctx, "missing"), models.ErrNotFound)

	sess, err := m.LoadOrCreate(ctx, "u1", "p1")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, sess.ID))

	err = m.Complete(ctx, sess.ID)
	var se *models.InvalidStateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sess.ID, se.SessionID)
	assert.Equal(t, models.SessionStatusCompleted, se.Status)

	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestGetStats(t *testing.T) {
	m, tm := newTestManagers(t)
	ctx := context.Background()

	sess, err := m.LoadOrCreate(ctx, "u1", "p1")
	require.NoError(t, err)
	_, err = m.AddMessage(ctx, sess.ID, models.RoleUser, "go")
	require.NoError(t, err)

	created, err := tm.CreateTasks(ctx, sess.ID, []models.TaskSpec{
		{Phase: models.PhaseSetup, Description: "a"},
		{Phase: models.PhaseBuild, Description: "b", DependsOn: []string{"0"}},
		{Phase: models.PhaseTest, Description: "c"},
	})
	require.NoError(t, err)

	inProgress := models.TaskStatusInProgress
	completed := models.TaskStatusCompleted
	_, err = tm.UpdateTask(ctx, sess.ID, created[0].ID, models.TaskPatch{Status: &inProgress})
	require.NoError(t, err)
	_, err = tm.UpdateTask(ctx, sess.ID, created[0].ID, models.TaskPatch{Status: &completed})
	require.NoError(t, err)
	_, err = tm.UpdateTask(ctx, sess.ID, created[1].ID, models.TaskPatch{Status: &inProgress})
	require.NoError(t, err)

	stats, err := m.GetStats(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, stats.SessionID)
	assert.Equal(t, models.SessionStatusActive, stats.Status)
	assert.Equal(t, 1, stats.MessageCount)
	assert.Equal(t, 3, stats.TotalTasks)
	assert.Equal(t, 1, stats.CompletedTasks)
	assert.Equal(t, 1, stats.InProgressTasks)
	assert.Equal(t, 1, stats.PendingTasks)
	assert.Equal(t, 0, stats.FailedTasks)
	assert.Equal(t, tasks.OutcomeRunning, stats.Outcome)

	_, err = m.GetStats(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestList(t *testing.T) {
	m, _ := newTestManagers(t)
	ctx := context.Background()

	a, err := m.LoadOrCreate(ctx, "u1", "p1")
	require.NoError(t, err)
	_, err = m.LoadOrCreate(ctx, "u2", "p1")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, a.ID))

	list, err := m.List(ctx, store.SessionListFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	list, err = m.List(ctx, store.SessionListFilter{Status: models.SessionStatusActive})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "u2", list[0].UserID)

	_, err = m.List(ctx, store.SessionListFilter{Status: "archived"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

// End-to-end across both managers: a linear five-phase plan runs to
// completion and the completed session refuses further messages.
func TestSessionLifecycle_EndToEnd(t *testing.T) {
	m, tm := newTestManagers(t)
	ctx := context.Background()

	sess, err := m.LoadOrCreate(ctx, "u1", "")
	require.NoError(t, err)

	names := []models.Phase{models.PhaseSetup, models.PhaseInitialize, models.PhaseImplement, models.PhaseBuild, models.PhasePreview}
	specs := make([]models.TaskSpec, len(names))
	for i, p := range names {
		specs[i] = models.TaskSpec{Key: string(p), Phase: p, Description: string(p)}
		if i > 0 {
			specs[i].DependsOn = []string{string(names[i-1])}
		}
	}
	_, err = tm.CreateTasks(ctx, sess.ID, specs)
	require.NoError(t, err)

	inProgress := models.TaskStatusInProgress
	completed := models.TaskStatusCompleted
	for _, p := range names {
		next, err := tm.GetNextTask(ctx, sess.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, p, next.Phase)
		_, err = tm.UpdateTask(ctx, sess.ID, next.ID, models.TaskPatch{Status: &inProgress})
		require.NoError(t, err)
		_, err = tm.UpdateTask(ctx, sess.ID, next.ID, models.TaskPatch{Status: &completed})
		require.NoError(t, err)
	}

	progress, err := tm.GetProgress(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.Progress{CompletedTasks: 5, TotalTasks: 5, PercentComplete: 100}, progress)

	done, err := tm.AreAllTasksComplete(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, m.Complete(ctx, sess.ID))
	_, err = m.AddMessage(ctx, sess.ID, models.RoleUser, "one more thing")
	assert.ErrorIs(t, err, models.ErrInvalidState)

	stats, err := m.GetStats(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.OutcomeSucceeded, stats.Outcome)
	assert.WithinDuration(t, time.Now(), stats.LastActive, time.Minute)
}
