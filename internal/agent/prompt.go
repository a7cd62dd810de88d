package agent

import (
	"fmt"
	"strings"

	"github.com/joescharf/orch/internal/models"
)

// maxTranscript bounds how many recent messages are quoted in a task prompt.
const maxTranscript = 10

// BuildSystemPrompt generates the system prompt appended to the agent for a
// single task attempt.
func BuildSystemPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("You are a coding agent executing one task of a larger plan. Complete exactly this task, nothing more.\n\n")

	b.WriteString("## Task\n")
	fmt.Fprintf(&b, "- Task ID: %s\n", shortID(req.Task.ID))
	fmt.Fprintf(&b, "- Phase: %s\n", req.Task.Phase)
	fmt.Fprintf(&b, "- Description: %s\n", req.Task.Description)
	if req.Task.AssignedTo != "" {
		fmt.Fprintf(&b, "- Role: %s\n", req.Task.AssignedTo)
	}
	fmt.Fprintf(&b, "- Attempt: %d of %d\n", req.Task.Attempts, req.Task.MaxAttempts)
	if req.Task.Attempts > 1 && req.Task.ErrorMessage != "" {
		fmt.Fprintf(&b, "- Previous attempt failed: %s\n", req.Task.ErrorMessage)
	}
	b.WriteString("\n")

	if len(req.Dependencies) > 0 {
		b.WriteString("## Completed Prerequisites\n")
		for _, dep := range req.Dependencies {
			fmt.Fprintf(&b, "- [%s] %s", dep.Phase, dep.Description)
			if dep.Result != nil && dep.Result.Summary != "" {
				fmt.Fprintf(&b, ": %s", dep.Result.Summary)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if req.Session != nil && len(req.Session.Messages) > 0 {
		b.WriteString("## Conversation\n")
		msgs := req.Session.Messages
		if len(msgs) > maxTranscript {
			msgs = msgs[len(msgs)-maxTranscript:]
		}
		for _, m := range msgs {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Reporting\n")
	b.WriteString("When you are done, end your reply with a single line of JSON and nothing after it:\n")
	b.WriteString(`{"summary": "<one sentence>", "files_changed": ["<path>", ...]}`)
	b.WriteString("\n\nIf the task cannot be completed, say why and do not print the JSON line.\n")

	return b.String()
}

// BuildKickoffPrompt generates the short prompt passed as the positional
// argument.
func BuildKickoffPrompt(t *models.Task) string {
	return fmt.Sprintf("Execute %s task %s: %s", t.Phase, shortID(t.ID), t.Description)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
