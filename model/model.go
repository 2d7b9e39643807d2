package model

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/logging"
	"github.com/hupe1980/medmesh/telemetry"
)

// Request captures the normalized model input produced by prompt rendering.
type Request struct {
	Instructions string         `json:"instructions"` // System instructions for the model
	Contents     []core.Content `json:"contents"`     // Conversation turns converted to provider messages
	Stream       bool           `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"` // Indicates if this is a partial response
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "scripted", etc.
}

// Model is the minimal interface required to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrEmptyResponse is returned by Complete when the model produced no final text.
var ErrEmptyResponse = errors.New("model returned no content")

// Complete drains a generation and returns the text of the final response.
func Complete(ctx context.Context, m Model, req Request) (string, error) {
	out, errCh := m.Generate(ctx, req)

	var (
		final   string
		partial strings.Builder
		gotLast bool
	)
	for out != nil || errCh != nil {
		select {
		case resp, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			if resp.Partial {
				partial.WriteString(resp.Content.Text())
				continue
			}
			final, gotLast = resp.Content.Text(), true
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return "", err
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if !gotLast {
		final = partial.String()
	}
	if strings.TrimSpace(final) == "" {
		return "", ErrEmptyResponse
	}
	return final, nil
}

// Instrumented wraps a Model with latency metrics, request logging and a span.
type Instrumented struct {
	Model
	logger  logging.Logger
	metrics *telemetry.Metrics
}

// Instrument wraps m. Nil logger and metrics are allowed.
func Instrument(m Model, logger logging.Logger, metrics *telemetry.Metrics) *Instrumented {
	return &Instrumented{Model: m, logger: logging.OrNoOp(logger), metrics: metrics}
}

// Generate implements Model.
func (i *Instrumented) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	info := i.Model.Info()
	ctx, span := telemetry.StartSpan(ctx, "llm.generate")
	start := time.Now()

	in, inErr := i.Model.Generate(ctx, req)
	out := make(chan Response, cap(in))
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		var failure error
		for in != nil || inErr != nil {
			select {
			case resp, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				out <- resp
			case err, ok := <-inErr:
				if !ok {
					inErr = nil
					continue
				}
				if err != nil && failure == nil {
					failure = err
					errCh <- err
				}
			}
		}

		dur := time.Since(start)
		i.metrics.ObserveLLM(info.Provider, info.Name, dur, failure)
		telemetry.EndSpan(span, failure)
		if failure != nil {
			i.logger.Error("llm.call.failed", "provider", info.Provider, "model", info.Name, "duration_ms", dur.Milliseconds(), "error", failure.Error())
			return
		}
		i.logger.Debug("llm.call.completed", "provider", info.Provider, "model", info.Name, "duration_ms", dur.Milliseconds())
	}()

	return out, errCh
}

var _ Model = (*Instrumented)(nil)
