package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/flow"
	"github.com/hupe1980/medmesh/logging"
	"github.com/hupe1980/medmesh/model"
	"github.com/hupe1980/medmesh/registry"
	"github.com/hupe1980/medmesh/telemetry"
	"github.com/hupe1980/medmesh/tool"
)

// DefaultMaxTurns bounds the reasoning loop when no limit is configured.
const DefaultMaxTurns = 8

// DegradedAnswer is returned when the model keeps producing unusable output.
const DegradedAnswer = "I'm sorry, I could not work out how to answer this question reliably. Please rephrase it or consult a medical professional."

// CardSource lists the specialist agents the model may delegate to.
type CardSource interface {
	Cards(ctx context.Context) []registry.Resolution
}

// Options configures an Orchestrator.
type Options struct {
	// MaxTurns bounds the number of actions per query (default 8).
	MaxTurns int
	// Instructions overrides flow.DefaultInstructions.
	Instructions string
	Logger       logging.Logger
}

// Request is one query to answer.
type Request struct {
	SessionID string
	TaskID    string
	Query     string
	// History holds earlier question/answer messages of the session.
	History []core.Message
}

// Outcome is the loop's final result.
type Outcome struct {
	Answer string
	// Incomplete is set when the turn limit was reached without a final answer.
	Incomplete bool
	// Degraded is set when the answer was produced without all requested
	// information, or is an apology for unusable model output.
	Degraded bool
	Turns    int
	Steps    []core.Step
}

// LoopEvent reports progress of a running loop.
type LoopEvent struct {
	Type   core.EventType // core.EventAction or core.EventResult
	Turn   int
	Action core.Action
	// Result is set for core.EventResult.
	Result *core.Result
}

// Observer receives loop events synchronously.
type Observer func(LoopEvent)

// Orchestrator runs the reason-act loop: it asks the model for one action
// per turn, executes it and feeds the result back until a final answer.
type Orchestrator struct {
	model     model.Model
	cards     CardSource
	invoker   *tool.Invoker
	delegator Delegator
	opts      Options
}

// NewOrchestrator wires the loop. cards and invoker may be nil.
func NewOrchestrator(m model.Model, cards CardSource, invoker *tool.Invoker, delegator Delegator, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		MaxTurns: DefaultMaxTurns,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Orchestrator{model: m, cards: cards, invoker: invoker, delegator: delegator, opts: opts}
}

// MaxTurns returns the configured turn limit.
func (o *Orchestrator) MaxTurns() int { return o.opts.MaxTurns }

// Run answers req. observe may be nil.
//
// Errors returned are fatal to the task: a model that fails twice in a row,
// a delegation to an agent that is not configured, or ctx cancellation.
// Tool and delegation failures are fed back to the model instead.
func (o *Orchestrator) Run(ctx context.Context, req Request, observe Observer) (Outcome, error) {
	if observe == nil {
		observe = func(LoopEvent) {}
	}
	logger := logging.ForTask(o.opts.Logger, req.SessionID, req.TaskID)
	limiter := core.NewTurnLimiter(o.opts.MaxTurns)

	var steps []core.Step
	for !limiter.Exhausted() {
		if err := ctx.Err(); err != nil {
			return Outcome{Turns: limiter.Count(), Steps: steps}, context.Cause(ctx)
		}
		_ = limiter.Increment()
		turn := limiter.Count()

		tctx, span := telemetry.StartSpan(ctx, "agent.turn", attribute.Int("turn", turn))

		action, err := o.decide(tctx, req, steps, limiter.Remaining()+1, logger)
		if err != nil {
			telemetry.EndSpan(span, err)
			if errors.Is(err, core.ErrMalformedAction) {
				logger.Warn("agent.action.malformed", "turn", turn, "error", err.Error())
				return Outcome{Answer: DegradedAnswer, Degraded: true, Turns: turn, Steps: steps}, nil
			}
			return Outcome{Turns: turn, Steps: steps}, err
		}

		logger.Info("agent.turn.action", "turn", turn, "action", action.Kind())
		observe(LoopEvent{Type: core.EventAction, Turn: turn, Action: action})

		result, final, err := o.dispatch(tctx, req, action)
		telemetry.EndSpan(span, err)
		if err != nil {
			return Outcome{Turns: turn, Steps: steps}, err
		}
		if final != nil {
			return Outcome{Answer: final.Text, Degraded: degraded(steps), Turns: turn, Steps: steps}, nil
		}

		step := core.Step{Turn: turn, Action: action, Result: result}
		steps = append(steps, step)
		observe(LoopEvent{Type: core.EventResult, Turn: turn, Action: action, Result: &step.Result})
	}

	logger.Warn("agent.turns.exhausted", "max_turns", o.opts.MaxTurns)
	return Outcome{
		Answer:     synthesize(steps),
		Incomplete: true,
		Degraded:   degraded(steps),
		Turns:      limiter.Count(),
		Steps:      steps,
	}, nil
}

// decide asks the model for the next action. A malformed reply or a failed
// model call is retried once; the retry after a malformed reply carries a
// corrective instruction.
func (o *Orchestrator) decide(ctx context.Context, req Request, steps []core.Step, turnsLeft int, logger logging.Logger) (core.Action, error) {
	in := flow.PromptInput{
		Instructions: o.opts.Instructions,
		Query:        req.Query,
		History:      req.History,
		Agents:       o.agentSummaries(ctx),
		Tools:        o.toolSummaries(),
		Steps:        steps,
		TurnsLeft:    turnsLeft,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			logger.Debug("agent.turn.retry", "error", lastErr.Error())
			if errors.Is(lastErr, core.ErrMalformedAction) {
				in.Correction = flow.CorrectionPrompt(lastErr)
			}
		}

		mreq, err := flow.RenderPrompt(in)
		if err != nil {
			return nil, err
		}

		raw, err := model.Complete(ctx, o.model, mreq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			lastErr = fmt.Errorf("reasoning model: %w", err)
			continue
		}

		action, err := flow.ParseAction(raw)
		if err != nil {
			lastErr = err
			continue
		}
		return action, nil
	}
	return nil, lastErr
}

// dispatch executes one action. It is the only place that switches over the
// action type. A non-nil FinalAnswer ends the loop.
func (o *Orchestrator) dispatch(ctx context.Context, req Request, action core.Action) (core.Result, *core.FinalAnswer, error) {
	switch a := action.(type) {
	case core.CallTool:
		return o.callTool(ctx, a), nil, ctx.Err()
	case core.DelegateToAgent:
		if o.delegator == nil {
			return core.Result{}, nil, fmt.Errorf("%w: %s: no delegator configured", core.ErrUnknownAgent, a.AgentID)
		}
		res, err := o.delegator.Delegate(ctx, req.SessionID, a)
		return res, nil, err
	case core.Delegations:
		if o.delegator == nil {
			return core.Result{}, nil, fmt.Errorf("%w: no delegator configured", core.ErrUnknownAgent)
		}
		res, err := FanOut(ctx, o.delegator, req.SessionID, a.Items)
		return res, nil, err
	case core.FinalAnswer:
		return core.Result{}, &a, nil
	default:
		return core.Result{}, nil, fmt.Errorf("unsupported action %T", action)
	}
}

func (o *Orchestrator) callTool(ctx context.Context, a core.CallTool) core.Result {
	if o.invoker == nil {
		return core.Result{Text: "no tools are available", Err: fmt.Errorf("%w: %s", core.ErrUnknownTool, a.Name)}
	}
	res, err := o.invoker.Invoke(ctx, a.Name, a.Args)
	if err != nil {
		return core.Result{Text: err.Error(), Err: err}
	}
	return core.Result{Text: res.Text()}
}

func (o *Orchestrator) agentSummaries(ctx context.Context) []flow.AgentSummary {
	if o.cards == nil {
		return nil
	}
	cards := o.cards.Cards(ctx)
	out := make([]flow.AgentSummary, 0, len(cards))
	for _, res := range cards {
		out = append(out, flow.SummarizeCard(res.Card, res.Stale))
	}
	return out
}

func (o *Orchestrator) toolSummaries() []flow.ToolSummary {
	if o.invoker == nil {
		return nil
	}
	tools := o.invoker.Tools()
	out := make([]flow.ToolSummary, 0, len(tools))
	for _, t := range tools {
		out = append(out, flow.SummarizeTool(t.Name(), t.Description(), t.Parameters()))
	}
	return out
}

// degraded reports whether any step lost information to a failure.
func degraded(steps []core.Step) bool {
	for _, s := range steps {
		if len(s.Result.Unavailable) > 0 || s.Result.Failed() {
			return true
		}
	}
	return false
}

// synthesize builds a best-effort answer from the gathered results when the
// turn limit is reached. Specialist artifacts are preferred over tool output.
func synthesize(steps []core.Step) string {
	var b strings.Builder
	b.WriteString("I could not complete the analysis within the allowed number of steps.")

	var findings []string
	for _, s := range steps {
		for _, a := range s.Result.Artifacts {
			if text := strings.TrimSpace(a.Artifact.Text()); text != "" {
				findings = append(findings, fmt.Sprintf("- %s: %s", a.AgentID, text))
			}
		}
	}
	if len(findings) == 0 {
		for _, s := range steps {
			if s.Result.Err == nil && strings.TrimSpace(s.Result.Text) != "" {
				findings = append(findings, fmt.Sprintf("- %s: %s", s.Action.Kind(), strings.TrimSpace(s.Result.Text)))
			}
		}
	}

	if len(findings) == 0 {
		b.WriteString(" No partial results are available.")
		return b.String()
	}
	b.WriteString(" Partial findings:\n")
	b.WriteString(strings.Join(findings, "\n"))
	return b.String()
}
