// Package specialist provides a thin LLM-backed specialist agent that can be
// hosted with protocol.Server.
//
// For every task the executor picks one of its declared skills with a short
// JSON routing prompt, answers with the backend model (optionally through a
// local tool bound to the skill), publishes the answer as an artifact named
// "<skill>_response" and completes. Any error marks the task failed.
package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/medmesh/core"
	internalutil "github.com/hupe1980/medmesh/internal/util"
	"github.com/hupe1980/medmesh/logging"
	"github.com/hupe1980/medmesh/model"
	"github.com/hupe1980/medmesh/protocol"
	"github.com/hupe1980/medmesh/tool"
)

// GeneralSkill is the route taken when no declared skill fits.
const GeneralSkill = "general"

// Skill is a declared capability of the specialist.
type Skill struct {
	ID          string
	Name        string
	Description string
	Tags        []string
	// Instructions is the system prompt used to answer. Optional.
	Instructions string
	// Tool names a local tool the skill answers through. Optional.
	Tool string
	// ParamsPrompt turns the query into tool arguments; rendered with .Query.
	ParamsPrompt string
}

// Options configures an Executor.
type Options struct {
	// Invoker runs the tools skills are bound to. Skills whose tool is not
	// registered answer from the model alone.
	Invoker *tool.Invoker
	// Instructions is the system prompt for general questions.
	Instructions string
	Logger       logging.Logger
}

// Executor implements protocol.Executor.
type Executor struct {
	model  model.Model
	card   core.AgentCard
	skills []Skill
	opts   Options
}

var _ protocol.Executor = (*Executor)(nil)

// New creates a specialist with the given identity and skills.
func New(m model.Model, name, description string, skills []Skill, optFns ...func(o *Options)) *Executor {
	opts := Options{
		Instructions: fmt.Sprintf("You are %s. %s Answer concisely and recommend consulting a clinician when appropriate.", name, description),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.ForComponent(opts.Logger, "specialist")

	card := core.AgentCard{
		Name:            name,
		Description:     description,
		ProtocolVersion: protocol.Version,
		Capabilities:    core.Capabilities{Streaming: true},
	}
	for _, s := range skills {
		card.Skills = append(card.Skills, core.Skill{ID: s.ID, Name: s.Name, Description: s.Description, Tags: s.Tags})
	}
	return &Executor{model: m, card: card, skills: skills, opts: opts}
}

// Card returns the agent card to serve.
func (e *Executor) Card() core.AgentCard { return e.card.Clone() }

// Execute implements protocol.Executor.
func (e *Executor) Execute(ctx context.Context, u *protocol.TaskUpdater) error {
	query := strings.TrimSpace(u.Input().Text())
	if query == "" {
		return fmt.Errorf("empty query")
	}
	logger := logging.ForTask(e.opts.Logger, u.SessionID(), u.TaskID())

	skill := e.route(ctx, query, logger)
	logger.Info("specialist.skill.selected", "skill", skill.ID)

	if err := u.Working(fmt.Sprintf("Processing %s request...", skill.ID)); err != nil {
		return err
	}

	answer, err := e.answer(ctx, skill, query, logger)
	if err != nil {
		return err
	}

	if _, err := u.AddArtifact(skill.ID+"_response", answer); err != nil {
		return err
	}
	return u.Complete("")
}

const routingPrompt = `Determine the best skill for this query.

Available skills:
{{- range .Skills}}
- {{.ID}}: {{.Description}}
{{- end}}

Query: {{.Query}}

Respond with JSON: {"skill": "skill_name"}`

// route picks the skill for query. A single declared skill needs no model
// call; unusable routing output falls back to keyword matching.
func (e *Executor) route(ctx context.Context, query string, logger logging.Logger) Skill {
	switch len(e.skills) {
	case 0:
		return Skill{ID: GeneralSkill}
	case 1:
		return e.skills[0]
	}

	prompt, err := internalutil.RenderTemplate(routingPrompt, map[string]any{"Skills": e.skills, "Query": query})
	if err == nil {
		var raw string
		raw, err = model.Complete(ctx, e.model, model.Request{
			Instructions: "You route queries to the appropriate skill.",
			Contents:     []core.Content{core.NewTextContent("user", prompt)},
		})
		if err == nil {
			id := gjson.Get(cleanJSON(raw), "skill").String()
			if s, ok := e.skill(id); ok {
				return s
			}
			err = fmt.Errorf("unknown skill %q", id)
		}
	}
	logger.Debug("specialist.route.fallback", "error", err.Error())

	lower := strings.ToLower(query)
	for _, s := range e.skills {
		for _, kw := range append([]string{s.ID, strings.ToLower(s.Name)}, s.Tags...) {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return s
			}
		}
	}
	return Skill{ID: GeneralSkill}
}

func (e *Executor) skill(id string) (Skill, bool) {
	for _, s := range e.skills {
		if s.ID == id {
			return s, true
		}
	}
	return Skill{}, false
}

func (e *Executor) answer(ctx context.Context, skill Skill, query string, logger logging.Logger) (string, error) {
	if skill.Tool != "" && e.opts.Invoker != nil {
		if _, ok := e.opts.Invoker.Lookup(skill.Tool); ok {
			return e.answerWithTool(ctx, skill, query, logger)
		}
		logger.Warn("specialist.tool.missing", "skill", skill.ID, "tool", skill.Tool)
	}

	instructions := skill.Instructions
	if instructions == "" {
		instructions = e.opts.Instructions
	}
	text, err := model.Complete(ctx, e.model, model.Request{
		Instructions: instructions,
		Contents:     []core.Content{core.NewTextContent("user", query)},
	})
	if err != nil {
		return "", fmt.Errorf("answer %s: %w", skill.ID, err)
	}
	return strings.TrimSpace(text), nil
}

const defaultParamsPrompt = `Convert this query into arguments for the {{.Tool}} tool.

Query: {{.Query}}

Respond with a JSON object only.`

const synthesisPrompt = `Interpret these results for the query: "{{.Query}}"

Data retrieved:
{{.Data}}

Provide a clear, clinically relevant interpretation. Include key findings and
any clinical significance.`

// answerWithTool asks the model for tool arguments, runs the tool and lets
// the model interpret the output.
func (e *Executor) answerWithTool(ctx context.Context, skill Skill, query string, logger logging.Logger) (string, error) {
	tmpl := skill.ParamsPrompt
	if tmpl == "" {
		tmpl = defaultParamsPrompt
	}
	prompt, err := internalutil.RenderTemplate(tmpl, map[string]any{"Tool": skill.Tool, "Query": query})
	if err != nil {
		return "", err
	}
	raw, err := model.Complete(ctx, e.model, model.Request{
		Instructions: "You convert queries to tool parameters.",
		Contents:     []core.Content{core.NewTextContent("user", prompt)},
	})
	if err != nil {
		return "", fmt.Errorf("tool parameters for %s: %w", skill.ID, err)
	}

	args := map[string]any{}
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &args); err != nil {
		return "", fmt.Errorf("%w: parameters for %s: %v", core.ErrInvalidArgs, skill.ID, err)
	}

	res, err := e.opts.Invoker.Invoke(ctx, skill.Tool, args)
	if err != nil {
		return "", err
	}
	logger.Debug("specialist.tool.completed", "tool", skill.Tool)

	prompt, err = internalutil.RenderTemplate(synthesisPrompt, map[string]any{"Query": query, "Data": res.Text()})
	if err != nil {
		return "", err
	}
	text, err := model.Complete(ctx, e.model, model.Request{
		Instructions: "You are a clinical data interpreter providing insights from health data.",
		Contents:     []core.Content{core.NewTextContent("user", prompt)},
	})
	if err != nil {
		return "", fmt.Errorf("interpret %s: %w", skill.Tool, err)
	}
	return strings.TrimSpace(text), nil
}

// cleanJSON strips a fenced code block around model output.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
