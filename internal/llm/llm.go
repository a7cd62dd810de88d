// Package llm turns a natural-language request into an ordered task plan
// using the Anthropic API.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/orch/internal/models"
)

// completer sends one system+user exchange and returns the text reply.
type completer interface {
	complete(ctx context.Context, system, user string, maxTokens int64) (string, error)
}

// Client wraps the Anthropic API.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in API response")
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// Planner produces task specs for a request.
type Planner struct {
	llm completer
}

// NewPlanner creates a planner backed by c.
func NewPlanner(c *Client) *Planner {
	return &Planner{llm: c}
}

// buildPlanPrompt constructs the system and user prompts for planning.
func buildPlanPrompt(request string, transcript []models.Message) (system string, user string) {
	phases := make([]string, len(models.Phases))
	for i, p := range models.Phases {
		phases[i] = fmt.Sprintf("%q", p)
	}

	system = `You break an app-building request into an ordered plan of small coding tasks for an autonomous agent. Return ONLY a JSON array of objects with these fields:
- "key": short unique kebab-case identifier for the task
- "phase": one of ` + strings.Join(phases, ", ") + `
- "description": one concrete, verifiable unit of work
- "assigned_to": the agent role best suited, e.g. "frontend", "backend", "devops"
- "tier": one of "quick", "standard", "deep" reflecting how much reasoning the task needs
- "depends_on": array of keys of earlier tasks that must finish first

Rules:
- Order tasks so every dependency appears before the task that depends on it
- Never create circular dependencies
- Prefer 3-12 tasks; each should be completable in one agent session
- Phases follow the order listed above; a task may depend on any earlier task regardless of phase
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	if len(transcript) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, m := range transcript {
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Plan the tasks for this request:\n\n")
	sb.WriteString(request)
	user = sb.String()
	return
}

// Plan asks the model for a task plan. The returned specs have passed the
// same field checks the task manager applies; dependency resolution is left
// to task creation.
func (p *Planner) Plan(ctx context.Context, request string, transcript []models.Message) ([]models.TaskSpec, error) {
	if strings.TrimSpace(request) == "" {
		return nil, models.Invalid("request is empty", "")
	}
	system, user := buildPlanPrompt(request, transcript)
	text, err := p.llm.complete(ctx, system, user, 4096)
	if err != nil {
		return nil, err
	}
	return parsePlan(text)
}

// parsePlan decodes and sanity-checks a model response.
func parsePlan(text string) ([]models.TaskSpec, error) {
	text = stripFences(text)

	var specs []models.TaskSpec
	if err := json.Unmarshal([]byte(text), &specs); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("LLM returned an empty plan")
	}
	for i, s := range specs {
		if !s.Phase.Valid() {
			return nil, &models.ValidationError{Index: i, Ref: string(s.Phase), Reason: "unknown phase"}
		}
		if s.Tier != "" && !s.Tier.Valid() {
			specs[i].Tier = models.TierStandard
		}
	}
	return specs, nil
}

// Summary renders a plan as a short assistant message for the transcript.
func Summary(specs []models.TaskSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Planned %d tasks:", len(specs))
	for i, s := range specs {
		fmt.Fprintf(&b, "\n%d. [%s] %s", i+1, s.Phase, s.Description)
	}
	return b.String()
}
