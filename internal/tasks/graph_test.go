package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/orch/internal/models"
)

func node(id string, deps ...string) *models.Task {
	return &models.Task{ID: id, DependsOn: deps}
}

func TestGraphFindCycle(t *testing.T) {
	t.Run("acyclic diamond", func(t *testing.T) {
		g := newGraph([]*models.Task{node("a"), node("b", "a"), node("c", "a"), node("d", "b", "c")})
		assert.Nil(t, g.findCycle())
	})

	t.Run("two node cycle", func(t *testing.T) {
		g := newGraph([]*models.Task{node("a", "b"), node("b", "a")})
		assert.Equal(t, []string{"a", "b", "a"}, g.findCycle())
	})

	t.Run("self loop", func(t *testing.T) {
		g := newGraph([]*models.Task{node("a", "a")})
		assert.Equal(t, []string{"a", "a"}, g.findCycle())
	})

	t.Run("cycle behind acyclic prefix", func(t *testing.T) {
		g := newGraph([]*models.Task{node("root"), node("x", "root", "z"), node("y", "x"), node("z", "y")})
		assert.Equal(t, []string{"x", "z", "y", "x"}, g.findCycle())
	})
}

func TestGraphDownstream(t *testing.T) {
	g := newGraph([]*models.Task{
		node("setup"),
		node("init", "setup"),
		node("impl", "init"),
		node("docs"),
		node("build", "impl", "docs"),
	})
	assert.Equal(t, []string{"init", "impl", "build"}, g.downstream("setup"))
	assert.Equal(t, []string{"build"}, g.downstream("docs"))
	assert.Nil(t, g.downstream("build"))
}

func TestFormatCycle(t *testing.T) {
	names := map[string]string{"id1": "setup", "id2": "build"}
	assert.Equal(t, "setup -> build -> setup", formatCycle([]string{"id1", "id2", "id1"}, names))
	assert.Equal(t, "x -> x", formatCycle([]string{"x", "x"}, nil))
}
