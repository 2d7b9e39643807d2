// Package flow turns reasoning state into model requests and model text back
// into actions.
//
// RenderPrompt assembles the orchestrator instructions (available specialist
// skills, local tools, action grammar), the session history, the user query
// and the transcript of prior steps. ParseAction reads exactly one JSON action
// from model output, tolerating fenced code blocks and surrounding prose.
package flow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/medmesh/core"
	internalutil "github.com/hupe1980/medmesh/internal/util"
	"github.com/hupe1980/medmesh/model"
)

// DefaultInstructions is the orchestrator system prompt template. It is
// rendered with text/template; see PromptInput for the available fields.
const DefaultInstructions = `You are a medical query router. You answer the user's question by calling
local tools or by delegating sub-questions to specialist agents, then you give
a final answer. You do not give guaranteed medical advice.

Specialist agents:
{{- if .Agents}}
{{- range .Agents}}
- {{.ID}}: {{.Description}}{{if .Stale}} (information may be outdated){{end}}
{{- range .Skills}}
    * {{.}}
{{- end}}
{{- end}}
{{- else}}
(none available)
{{- end}}

Local tools:
{{- if .Tools}}
{{- range .Tools}}
- {{.Name}}: {{.Description}}
    parameters: {{.Schema}}
{{- end}}
{{- else}}
(none)
{{- end}}

Respond with exactly one JSON object and nothing else, using one of:
{"action": "call_tool", "tool": "<tool name>", "args": {...}}
{"action": "delegate", "agent_id": "<agent id>", "query": "<sub-question>"}
{"action": "delegate_many", "delegations": [{"agent_id": "<agent id>", "query": "<sub-question>"}]}
{"action": "final_answer", "answer": "<answer for the user>"}

Use delegate_many only for independent sub-questions to different agents.
Specialist answers may conflict; say so in the final answer instead of
silently picking one. You have {{.TurnsLeft}} turn(s) left.`

// AgentSummary describes one specialist in the prompt.
type AgentSummary struct {
	ID          string
	Description string
	Skills      []string
	Stale       bool
}

// ToolSummary describes one local tool in the prompt.
type ToolSummary struct {
	Name        string
	Description string
	Schema      string
}

// PromptInput is everything RenderPrompt needs for one reasoning turn.
type PromptInput struct {
	// Instructions overrides DefaultInstructions when non-empty.
	Instructions string
	Query        string
	History      []core.Message
	Agents       []AgentSummary
	Tools        []ToolSummary
	Steps        []core.Step
	TurnsLeft    int
	// Correction is appended as a final user message after a malformed reply.
	Correction string
}

// SummarizeCard converts an agent card into its prompt summary.
func SummarizeCard(card core.AgentCard, stale bool) AgentSummary {
	desc := card.Description
	if desc == "" {
		desc = card.Name
	}
	skills := make([]string, 0, len(card.Skills))
	for _, s := range card.Skills {
		line := s.ID
		if s.Description != "" {
			line += ": " + s.Description
		}
		skills = append(skills, line)
	}
	return AgentSummary{ID: card.AgentID, Description: desc, Skills: skills, Stale: stale}
}

// SummarizeTool converts a tool description into its prompt summary.
func SummarizeTool(name, description string, parameters map[string]any) ToolSummary {
	schema, err := json.Marshal(parameters)
	if err != nil {
		schema = []byte("{}")
	}
	return ToolSummary{Name: name, Description: description, Schema: string(schema)}
}

// RenderPrompt builds the model request for one turn.
func RenderPrompt(in PromptInput) (model.Request, error) {
	text := in.Instructions
	if text == "" {
		text = DefaultInstructions
	}

	agents := append([]AgentSummary(nil), in.Agents...)
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })

	instructions, err := internalutil.RenderTemplate(text, map[string]any{
		"Agents":    agents,
		"Tools":     in.Tools,
		"TurnsLeft": in.TurnsLeft,
		"Query":     in.Query,
	})
	if err != nil {
		return model.Request{}, fmt.Errorf("failed to render instructions: %w", err)
	}

	contents := make([]core.Content, 0, len(in.History)+2*len(in.Steps)+2)
	for _, msg := range in.History {
		role := "user"
		if msg.Role == core.RoleAgent {
			role = "assistant"
		}
		if text := msg.Text(); text != "" {
			contents = append(contents, core.NewTextContent(role, text))
		}
	}

	contents = append(contents, core.NewTextContent("user", in.Query))

	for _, step := range in.Steps {
		contents = append(contents,
			core.NewTextContent("assistant", EncodeAction(step.Action)),
			core.NewTextContent("user", Observation(step)),
		)
	}

	if in.Correction != "" {
		contents = append(contents, core.NewTextContent("user", in.Correction))
	}

	return model.Request{Instructions: instructions, Contents: contents}, nil
}

// Observation renders a step's result as the text fed back to the model.
func Observation(step core.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Observation (turn %d, %s):\n", step.Turn, step.Action.Kind())

	r := step.Result
	if len(r.Artifacts) > 0 {
		for _, sa := range r.Artifacts {
			fmt.Fprintf(&b, "[%s] %s: %s\n", sa.AgentID, sa.Artifact.Name, sa.Artifact.Text())
		}
	} else if r.Text != "" {
		b.WriteString(r.Text)
		b.WriteString("\n")
	}
	for _, id := range r.Unavailable {
		fmt.Fprintf(&b, "[%s] unavailable\n", id)
	}
	if r.Err != nil {
		fmt.Fprintf(&b, "error: %v\n", r.Err)
	}
	return strings.TrimRight(b.String(), "\n")
}

// CorrectionPrompt is sent after a reply that could not be parsed.
func CorrectionPrompt(err error) string {
	return fmt.Sprintf("Your previous reply could not be used (%v). Reply with exactly one JSON object in one of the documented action formats and nothing else.", err)
}
