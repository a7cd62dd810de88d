package tasks

import (
	"strings"

	"github.com/joescharf/orch/internal/models"
)

// graph is a read-only view of a session's dependency DAG. Nodes are task
// ids in creation order; edges point from a task to the tasks it depends on.
type graph struct {
	order      []string
	deps       map[string][]string
	dependents map[string][]string
}

func newGraph(tasks []*models.Task) *graph {
	g := &graph{
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}
	for _, t := range tasks {
		g.order = append(g.order, t.ID)
		g.deps[t.ID] = t.DependsOn
		for _, dep := range t.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}
	return g
}

// findCycle returns one dependency cycle as a path whose first and last
// element are the same id, or nil when the graph is acyclic. Depth-first
// search with white/gray/black coloring; a gray neighbour is a back edge.
func (g *graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.order))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case gray:
				// Slice the stack from the first occurrence of dep.
				for i, s := range stack {
					if s == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// downstream returns every transitive dependent of id, in creation order.
func (g *graph) downstream(id string) []string {
	seen := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.dependents[cur] {
			if !seen[d] {
				seen[d] = true
				queue = append(queue, d)
			}
		}
	}
	var out []string
	for _, tid := range g.order {
		if seen[tid] {
			out = append(out, tid)
		}
	}
	return out
}

// formatCycle renders a cycle path for error messages.
func formatCycle(path []string, names map[string]string) string {
	parts := make([]string, len(path))
	for i, id := range path {
		if n, ok := names[id]; ok {
			parts[i] = n
		} else {
			parts[i] = id
		}
	}
	return strings.Join(parts, " -> ")
}
