package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/orch/internal/models"
)

type fakeCompleter struct {
	reply  string
	err    error
	system string
	user   string
}

func (f *fakeCompleter) complete(_ context.Context, system, user string, _ int64) (string, error) {
	f.system, f.user = system, user
	return f.reply, f.err
}

func TestBuildPlanPrompt(t *testing.T) {
	t.Run("with transcript", func(t *testing.T) {
		system, user := buildPlanPrompt("a todo app", []models.Message{
			{Role: models.RoleUser, Content: "I want something simple"},
			{Role: models.RoleAssistant, Content: "Sure"},
		})

		assert.Contains(t, system, "JSON array")
		assert.Contains(t, system, `"depends_on"`)
		assert.Contains(t, system, `"setup", "initialize", "implement", "build", "test", "preview"`)

		assert.Contains(t, user, "user: I want something simple")
		assert.Contains(t, user, "assistant: Sure")
		assert.Contains(t, user, "a todo app")
	})

	t.Run("without transcript", func(t *testing.T) {
		_, user := buildPlanPrompt("a blog", nil)
		assert.NotContains(t, user, "Conversation so far")
		assert.Contains(t, user, "a blog")
	})
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `[1]`, stripFences("```json\n[1]\n```"))
	assert.Equal(t, `[1]`, stripFences("  [1]  "))
	assert.Equal(t, `[1]`, stripFences("```\n[1]```"))
}

func TestParsePlan(t *testing.T) {
	t.Run("valid fenced plan", func(t *testing.T) {
		specs, err := parsePlan("```json\n" + `[
			{"key":"scaffold","phase":"setup","description":"create vite app","tier":"quick"},
			{"key":"ui","phase":"implement","description":"todo list","depends_on":["scaffold"],"tier":"galaxy"}
		]` + "\n```")
		require.NoError(t, err)
		require.Len(t, specs, 2)
		assert.Equal(t, models.PhaseSetup, specs[0].Phase)
		assert.Equal(t, []string{"scaffold"}, specs[1].DependsOn)
		assert.Equal(t, models.TierStandard, specs[1].Tier, "unknown tier falls back")
	})

	t.Run("unknown phase", func(t *testing.T) {
		_, err := parsePlan(`[{"phase":"deploy","description":"ship it"}]`)
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("empty plan", func(t *testing.T) {
		_, err := parsePlan(`[]`)
		assert.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := parsePlan("Here is your plan!")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "raw response: Here is your plan!")
	})
}

func TestPlannerPlan(t *testing.T) {
	fake := &fakeCompleter{reply: `[{"phase":"setup","description":"init repo"}]`}
	p := &Planner{llm: fake}

	specs, err := p.Plan(context.Background(), "make a site", nil)
	require.NoError(t, err)
	assert.Len(t, specs, 1)
	assert.Contains(t, fake.user, "make a site")

	_, err = p.Plan(context.Background(), "  ", nil)
	assert.ErrorIs(t, err, models.ErrValidation)

	fake.err = errors.New("anthropic API call: 529 overloaded")
	_, err = p.Plan(context.Background(), "make a site", nil)
	assert.ErrorContains(t, err, "overloaded")
}

func TestSummary(t *testing.T) {
	s := Summary([]models.TaskSpec{
		{Phase: models.PhaseSetup, Description: "init"},
		{Phase: models.PhaseBuild, Description: "compile"},
	})
	assert.Equal(t, "Planned 2 tasks:\n1. [setup] init\n2. [build] compile", s)
}
