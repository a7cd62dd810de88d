package tasks

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/orch/internal/models"
	"github.com/joescharf/orch/internal/store"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *store.SQLiteStore, string) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	sess := &models.Session{UserID: "u1", ProjectID: "p1"}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return NewManager(s, opts...), s, sess.ID
}

func statusPtr(s models.TaskStatus) *models.TaskStatus { return &s }

func start(t *testing.T, m *Manager, sessionID, taskID string) *models.Task {
	t.Helper()
	task, err := m.UpdateTask(context.Background(), sessionID, taskID, models.StatusPatch(models.TaskStatusInProgress))
	require.NoError(t, err)
	return task
}

func succeed(t *testing.T, m *Manager, sessionID, taskID string) *models.Task {
	t.Helper()
	task, err := m.UpdateTask(context.Background(), sessionID, taskID, models.TaskPatch{
		Status: statusPtr(models.TaskStatusCompleted),
		Result: models.Success("done", []string{"main.go"}),
	})
	require.NoError(t, err)
	return task
}

func fail(t *testing.T, m *Manager, sessionID, taskID, msg string) *models.Task {
	t.Helper()
	task, err := m.UpdateTask(context.Background(), sessionID, taskID, models.TaskPatch{
		Status:       statusPtr(models.TaskStatusFailed),
		ErrorMessage: msg,
	})
	require.NoError(t, err)
	return task
}

func pipelineSpecs() []models.TaskSpec {
	return []models.TaskSpec{
		{Key: "setup", Phase: models.PhaseSetup, Description: "scaffold project"},
		{Key: "init", Phase: models.PhaseInitialize, Description: "install deps", DependsOn: []string{"setup"}},
		{Key: "impl", Phase: models.PhaseImplement, Description: "write handlers", DependsOn: []string{"init"}},
		{Key: "build", Phase: models.PhaseBuild, Description: "compile", DependsOn: []string{"impl"}},
		{Key: "test", Phase: models.PhaseTest, Description: "run tests", DependsOn: []string{"build"}},
	}
}

func TestCreateTasks_ResolvesReferences(t *testing.T) {
	m, _, sid := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTasks(ctx, sid, []models.TaskSpec{
		{Key: "a", Phase: models.PhaseSetup, Description: "a"},
		{Phase: models.PhaseImplement, Description: "b", DependsOn: []string{"0", "a"}},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)

	assert.Equal(t, 1, created[0].Seq)
	assert.Equal(t, 2, created[1].Seq)
	assert.Equal(t, []string{created[0].ID}, created[1].DependsOn, "duplicate refs collapse")
	assert.Equal(t, models.TaskStatusPending, created[0].Status)
	assert.Equal(t, models.TierStandard, created[0].Tier)
	assert.Equal(t, DefaultMaxAttempts, created[0].MaxAttempts)
	assert.Equal(t, 0, created[0].Attempts)

	// A later batch may depend on an existing task by id.
	more, err := m.CreateTasks(ctx, sid, []models.TaskSpec{
		{Phase: models.PhaseBuild, Description: "c", DependsOn: []string{created[1].ID}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, more[0].Seq)
	assert.Equal(t, []string{created[1].ID}, more[0].DependsOn)
}

func TestCreateTasks_Validation(t *testing.T) {
	m, _, sid := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		specs []models.TaskSpec
		index int
	}{
		{"empty batch", nil, -1},
		{"unknown phase", []models.TaskSpec{{Phase: "deploy", Description: "x"}}, 0},
		{"missing description", []models.TaskSpec{{Phase: models.PhaseSetup}}, 0},
		{"unknown tier", []models.TaskSpec{{Phase: models.PhaseSetup, Description: "x", Tier: "huge"}}, 0},
		{"negative max attempts", []models.TaskSpec{{Phase: models.PhaseSetup, Description: "x", MaxAttempts: -1}}, 0},
		{"unresolvable dependency", []models.TaskSpec{
			{Phase: models.PhaseSetup, Description: "x"},
			{Phase: models.PhaseBuild, Description: "y", DependsOn: []string{"nope"}},
		}, 1},
		{"index out of range", []models.TaskSpec{{Phase: models.PhaseSetup, Description: "x", DependsOn: []string{"3"}}}, 0},
		{"forward index", []models.TaskSpec{
			{Phase: models.PhaseSetup, Description: "x", DependsOn: []string{"1"}},
			{Phase: models.PhaseBuild, Description: "y"},
		}, 0},
		{"forward key", []models.TaskSpec{
			{Key: "x", Phase: models.PhaseSetup, Description: "x", DependsOn: []string{"y"}},
			{Key: "y", Phase: models.PhaseBuild, Description: "y"},
		}, 0},
		{"duplicate key", []models.TaskSpec{
			{Key: "k", Phase: models.PhaseSetup, Description: "x"},
			{Key: "k", Phase: models.PhaseSetup, Description: "y"},
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateTasks(ctx, sid, tt.specs)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrValidation)
			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.index, ve.Index)
		})
	}

	tasks, err := m.ListTasks(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, tasks, "rejected batches persist nothing")
}

func TestCreateTasks_RejectsCycles(t *testing.T) {
	m, _, sid := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		specs  []models.TaskSpec
		index  int
		ref    string
		reason string
	}{
		{"mutual by key", []models.TaskSpec{
			{Key: "setup", Phase: models.PhaseSetup, Description: "ok"},
			{Key: "a", Phase: models.PhaseBuild, Description: "a", DependsOn: []string{"b"}},
			{Key: "b", Phase: models.PhaseTest, Description: "b", DependsOn: []string{"a"}},
		}, 1, "b", "forward reference"},
		{"mutual by index", []models.TaskSpec{
			{Phase: models.PhaseBuild, Description: "a", DependsOn: []string{"1"}},
			{Phase: models.PhaseTest, Description: "b", DependsOn: []string{"0"}},
		}, 0, "1", "forward reference"},
		{"self by index", []models.TaskSpec{
			{Phase: models.PhaseSetup, Description: "self", DependsOn: []string{"0"}},
		}, 0, "0", "task depends on itself"},
		{"self by key", []models.TaskSpec{
			{Key: "me", Phase: models.PhaseSetup, Description: "self", DependsOn: []string{"me"}},
		}, 0, "me", "task depends on itself"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateTasks(ctx, sid, tt.specs)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrValidation)
			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.index, ve.Index)
			assert.Equal(t, tt.ref, ve.Ref)
			assert.Equal(t, tt.reason, ve.Reason)
		})
	}

	tasks, err := m.ListTasks(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreateTasks_SessionChecks(t *testing.T) {
	m, s, sid := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateTasks(ctx, "missing", pipelineSpecs())
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, s.CompleteSession(ctx, sid, m.now()))
	_, err = m.CreateTasks(ctx, sid, pipelineSpecs())
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestGetNextTask_FIFOAmongEligible(t *testing.T) {
	m, _, sid := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTasks(ctx, sid, []models.TaskSpec{
		{Phase: models.PhaseSetup, Description: "first"},
		{Phase: models.PhaseSetup, Description: "second"},
		{Phase: models.PhaseBuild, Description: "third", DependsOn: []string{"0"}},
	})
	require.NoError(t, err)

	next, err := m.GetNextTask(ctx, sid)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, created[0].ID, next.ID)

	// Repeated calls with no update return the same task.
	again, err := m.GetNextTask(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, next.ID, again.ID)

	start(t, m, sid, created[0].ID)
	next, err = m.GetNextTask(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, created[1].ID, next.ID, "third waits on first")

	succeed(t, m, sid, created[0].ID)
	next, err = m.GetNextTask(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, created[1].ID, next.ID, "earlier creation wins")

	start(t, m, sid, created[1].ID)
	next, err = m.GetNextTask(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, created[2].ID, next.ID)
}

func TestGetNextTask_NoneEligible(t *testing.T) {
	m, _, sid := newTestManager(t)
	ctx := context.Background()

	next, err := m.GetNextTask(ctx, sid)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = m.GetNextTask(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPipeline_EndToEnd(t *testing.T) {
	m, _, sid := newTestManager(t)
	ctx := context.Background()

	specs := append(pipelineSpecs(), models.TaskSpec{
		Key: "preview", Phase: models.PhasePreview, Description: "start preview", DependsOn: []string{"test"},
	})
	created, err := m.CreateTasks(ctx, sid, specs)
	require.NoError(t, err)

	for i := range created {
		next, err := m.GetNextTask(ctx, sid)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, created[i].ID, next.ID, "tasks run in dependency order")

		done, err := m.AreAllTasksComplete(ctx, sid)
		require.NoError(t, err)
		assert.False(t, done)

		task := start(t, m, sid, next.ID)
		assert.Equal(t, 1, task.Attempts)
		task = succeed(t, m, sid, next.ID)
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
		require.NotNil(t, task.CompletedAt)
	}

	next, err := m.GetNextTask(ctx, sid)
	require.NoError(t, err)
	assert.Nil(t, next)

	done, err := m.AreAllTasksComplete(ctx, sid)
	require.NoError(t, err)
	assert.True(t, done)

	p, err := m.GetProgress(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, Progress{CompletedTasks: 6, TotalTasks: 6, PercentComplete: 100}, p)

	r, err := m.Report(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, r.Outcome)
	assert.Len(t, r.Phases, 6)
	assert.Empty(t, r.Problems)
}

func TestUpdateTask_RetryThenPermanentFailure(t *testing.T) {
	m, _, sid := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTasks(ctx, sid, pipelineSpecs())
	require.NoError(t, err)
	setupID := created[0].ID

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		next, err := m.GetNextTask(ctx, sid)
		require.NoError(t, err)
		require.NotNil(t, next, "attempt %d", attempt)
		assert.Equal(t, setupID, next.ID)

		task := start(t, m, sid, setupID)
		assert.Equal(t, attempt, task.Attempts)

		task = fail(t, m, sid, setupID, "npm install exploded")
		assert.Equal(t, "npm install exploded", task.ErrorMessage)
		require.NotNil(t, task.Result)
		assert.Equal(t, models.ResultFailure, task.Result.Kind)
		if attempt < DefaultMaxAttempts {
			assert.Equal(t, models.TaskStatusPending, task.Status)
			assert.Nil(t, task.CompletedAt)
		} else {
			assert.Equal(t, models.TaskStatusFailed, task.Status)
			assert.NotNil(t, task.CompletedAt)
		}
	}

	// Attempts never exceed the budget.
	_, err = m.UpdateTask(ctx, sid, setupID, models.StatusPatch(models.TaskStatusInProgress))
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	task, err := m.GetTask(ctx, sid, setupID)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, task.Attempts)

	next, err := m.GetNextTask(ctx, sid)
	require.NoError(t, err)
	assert.Nil(t, next)

	done, err := m.AreAllTasksComplete(ctx, sid)
	require.NoError(t, err)
	assert.False(t, done)

	tasks, err := m.ListTasks(ctx, sid)
	require.NoError(t, err)
	for _, dep := range tasks[1:] {
		assert.Equal(t, models.TaskStatusBlocked, dep.Status, dep.Description)
		assert.Equal(t, "blocked by failed task "+setupID, dep.ErrorMessage)
	}

	r, err := m.Report(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, r.Outcome)
	assert.Len(t, r.Problems, 5)
	assert.Nil(t, r.Next)
}

func TestCreateTasks_DependingOnFailedTaskStartsBlocked(t *testing.T) {
	m, _, sid := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTasks(ctx, sid, []models.TaskSpec{
		{Phase: models.PhaseSetup, Description: "flaky", MaxAttempts: 1},
	})
	require.NoError(t, err)
	start(t, m, sid, created[0].ID)
	fail(t, m, sid, created[0].ID, "boom")

	more, err := m.CreateTasks(ctx, sid, []models.TaskSpec{
		{Key: "a", Phase: models.PhaseBuild, Description: "a", DependsOn: []string{created[0].ID}},
		{Phase: models.PhaseTest, Description: "b", DependsOn: []string{"a"}},
		{Phase: models.PhaseTest, Description: "independent"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusBlocked, more[0].Status)
	assert.Equal(t, models.TaskStatusBlocked, more[1].Status)
	assert.Equal(t, models.TaskStatusPending, more[2].Status)

	next, err := m.GetNextTask(ctx, sid)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, more[2].ID, next.ID)
}

func TestUpdateTask_InvalidTransitions(t *testing.T) {
	m, _, sid := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTasks(ctx, sid, []models.TaskSpec{
		{Phase: models.PhaseSetup, Description: "a"},
		{Phase: models.PhaseBuild, Description: "b", DependsOn: []string{"0"}},
	})
	require.NoError(t, err)
	a, b := created[0].ID, created[1].ID

	_, err = m.UpdateTask(ctx, sid, a, models.StatusPatch(models.TaskStatusCompleted))
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "pending cannot complete")

	_, err = m.UpdateTask(ctx, sid, b, models.StatusPatch(models.TaskStatusInProgress))
	var te *models.InvalidTransitionError
	require.ErrorAs(t, err, &te, "dependencies not completed")
	assert.Equal(t, b, te.TaskID)

	_, err = m.UpdateTask(ctx, sid, a, models.StatusPatch(models.TaskStatusPending))
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = m.UpdateTask(ctx, sid, a, models.StatusPatch("weird"))
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = m.UpdateTask(ctx, sid, a, models.TaskPatch{})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = m.UpdateTask(ctx, sid, "missing", models.StatusPatch(models.TaskStatusInProgress))
	assert.ErrorIs(t, err, models.ErrNotFound)

	start(t, m, sid, a)
	_, err = m.UpdateTask(ctx, sid, a, models.TaskPatch{
		Status: statusPtr(models.TaskStatusCompleted),
		Result: models.Failure("nope"),
	})
	assert.ErrorIs(t, err, models.ErrValidation, "completion needs a success result")

	succeed(t, m, sid, a)
	_, err = m.UpdateTask(ctx, sid, a, models.StatusPatch(models.TaskStatusFailed))
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "completed is terminal")
}

func TestUpdateTask_Abandon(t *testing.T) {
	m, _, sid := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTasks(ctx, sid, pipelineSpecs()[:2])
	require.NoError(t, err)
	start(t, m, sid, created[0].ID)

	task, err := m.UpdateTask(ctx, sid, created[0].ID, models.TaskPatch{Abandon: true})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, task.MaxAttempts, task.Attempts)
	assert.Equal(t, "abandoned", task.ErrorMessage)

	dep, err := m.GetTask(ctx, sid, created[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusBlocked, dep.Status)
}

func TestUpdateTask_EditsOnlyWhilePending(t *testing.T) {
	m, _, sid := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTasks(ctx, sid, pipelineSpecs()[:1])
	require.NoError(t, err)
	id := created[0].ID

	desc := "scaffold with vite"
	deep := models.TierDeep
	task, err := m.UpdateTask(ctx, sid, id, models.TaskPatch{Description: &desc, Tier: &deep})
	require.NoError(t, err)
	assert.Equal(t, desc, task.Description)
	assert.Equal(t, models.TierDeep, task.Tier)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	start(t, m, sid, id)
	_, err = m.UpdateTask(ctx, sid, id, models.TaskPatch{Description: &desc})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestUpdateTask_ConcurrentClaim(t *testing.T) {
	m, _, sid := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTasks(ctx, sid, pipelineSpecs()[:1])
	require.NoError(t, err)
	id := created[0].ID

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.UpdateTask(ctx, sid, id, models.TaskPatch{
				Status:    statusPtr(models.TaskStatusInProgress),
				ClaimedBy: "worker",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	}
	assert.Equal(t, 1, wins)

	task, err := m.GetTask(ctx, sid, id)
	require.NoError(t, err)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, "worker", task.ClaimedBy)
}

func TestUpdateTask_CompletedSession(t *testing.T) {
	m, s, sid := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateTasks(ctx, sid, pipelineSpecs()[:1])
	require.NoError(t, err)
	require.NoError(t, s.CompleteSession(ctx, sid, m.now()))

	_, err = m.UpdateTask(ctx, sid, created[0].ID, models.StatusPatch(models.TaskStatusInProgress))
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestWithMaxAttempts(t *testing.T) {
	m, _, sid := newTestManager(t, WithMaxAttempts(1))
	created, err := m.CreateTasks(context.Background(), sid, []models.TaskSpec{
		{Phase: models.PhaseSetup, Description: "default"},
		{Phase: models.PhaseSetup, Description: "explicit", MaxAttempts: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created[0].MaxAttempts)
	assert.Equal(t, 5, created[1].MaxAttempts)
}

func TestAreAllTasksComplete_Empty(t *testing.T) {
	m, _, sid := newTestManager(t)
	done, err := m.AreAllTasksComplete(context.Background(), sid)
	require.NoError(t, err)
	assert.True(t, done)
}
