package model

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/medmesh/core"
)

// ScriptedModel replays canned completions in order. It is useful for tests
// and offline runs. Once the script is exhausted the last entry repeats.
type ScriptedModel struct {
	info Info

	mu       sync.Mutex
	script   []Step
	pos      int
	requests []Request
}

// Step is one scripted completion: either Text or Err.
type Step struct {
	Text string
	Err  error
}

// NewScriptedModel returns a model replaying the given texts.
func NewScriptedModel(texts ...string) *ScriptedModel {
	steps := make([]Step, len(texts))
	for i, t := range texts {
		steps[i] = Step{Text: t}
	}
	return NewScriptedModelSteps(steps...)
}

// NewScriptedModelSteps returns a model replaying steps, including errors.
func NewScriptedModelSteps(steps ...Step) *ScriptedModel {
	return &ScriptedModel{info: Info{Name: "scripted", Provider: "scripted"}, script: steps}
}

// Generate implements Model.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 1)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var step Step
	switch {
	case len(m.script) == 0:
		step = Step{Err: errors.New("scripted model has no responses")}
	case m.pos < len(m.script):
		step = m.script[m.pos]
		m.pos++
	default:
		step = m.script[len(m.script)-1]
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)
		if err := ctx.Err(); err != nil {
			errCh <- err
			return
		}
		if step.Err != nil {
			errCh <- step.Err
			return
		}
		respCh <- Response{
			Content:      core.NewTextContent("assistant", step.Text),
			FinishReason: "stop",
		}
	}()
	return respCh, errCh
}

// Requests returns the requests seen so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns the number of Generate calls.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Info implements Model.
func (m *ScriptedModel) Info() Info { return m.info }

var _ Model = (*ScriptedModel)(nil)
