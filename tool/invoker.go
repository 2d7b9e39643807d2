package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hupe1980/medmesh/internal/util"
	"github.com/hupe1980/medmesh/logging"
	"github.com/hupe1980/medmesh/telemetry"
)

// DefaultTimeout bounds a single tool call when no per-tool timeout is set.
const DefaultTimeout = 15 * time.Second

// InvokerOptions configures an Invoker.
type InvokerOptions struct {
	// Timeout is the default per-call bound.
	Timeout time.Duration
	// Timeouts overrides Timeout per tool name.
	Timeouts map[string]time.Duration
	Logger   logging.Logger
	Metrics  *telemetry.Metrics
}

// Result is the outcome of a successful tool call.
type Result struct {
	Tool     string
	Output   any
	Duration time.Duration
}

// Text renders the output for the reasoning context. Strings pass through,
// everything else is JSON encoded.
func (r Result) Text() string {
	if s, ok := r.Output.(string); ok {
		return s
	}
	b, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Sprint(r.Output)
	}
	return string(b)
}

// Invoker dispatches calls to a static set of tools. The tool map is fixed
// at construction and the Invoker is safe for concurrent use.
type Invoker struct {
	tools map[string]Tool
	opts  InvokerOptions
}

// NewInvoker builds an invoker over tools. Duplicate names are rejected.
func NewInvoker(tools []Tool, optFns ...func(o *InvokerOptions)) (*Invoker, error) {
	opts := InvokerOptions{
		Timeout: DefaultTimeout,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	m := make(map[string]Tool, len(tools))
	for _, t := range tools {
		if _, dup := m[t.Name()]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", t.Name())
		}
		m[t.Name()] = t
	}
	return &Invoker{tools: m, opts: opts}, nil
}

// Tools returns the registered tools sorted by name.
func (i *Invoker) Tools() []Tool {
	out := make([]Tool, 0, len(i.tools))
	for _, t := range i.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name() < out[b].Name() })
	return out
}

// Lookup returns the named tool.
func (i *Invoker) Lookup(name string) (Tool, bool) {
	t, ok := i.tools[name]
	return t, ok
}

type callResult struct {
	out any
	err error
}

// Invoke validates args against the tool's schema and runs it under the
// tool's timeout.
//
// Errors are *ToolError values matching, via errors.Is:
//   - core.ErrUnknownTool for unregistered names
//   - core.ErrInvalidArgs when arguments fail the schema
//   - core.ErrTimeout and core.ErrToolExecution when the call exceeds its
//     bound (the result is discarded)
//   - core.ErrToolExecution when the tool fails or panics
func (i *Invoker) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	logger := i.opts.Logger

	t, ok := i.tools[name]
	if !ok {
		logger.Warn("tool.call.unknown", "tool", name)
		return Result{}, NewToolError(name, "tool is not registered", CodeUnknownTool)
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := util.ValidateParameters(args, t.Parameters()); err != nil {
		logger.Warn("tool.call.validation_failed", "tool", name, "error", err.Error())
		return Result{}, &ToolError{
			Tool:    name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeInvalidArgs,
			Details: err,
		}
	}

	timeout := i.opts.Timeout
	if d, ok := i.opts.Timeouts[name]; ok && d > 0 {
		timeout = d
	}

	ctx, span := telemetry.StartSpan(ctx, "tool.call", attribute.String("tool.name", name))
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Debug("tool.call.start", "tool", name)
	start := time.Now()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("tool.call.panic", "tool", name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				done <- callResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := t.Call(callCtx, args)
		done <- callResult{out: out, err: err}
	}()

	var res callResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}
	if errors.Is(res.err, context.DeadlineExceeded) {
		res.err = NewToolError(name, fmt.Sprintf("exceeded %s", timeout), CodeTimeout)
	}

	dur := time.Since(start)
	err := i.normalize(name, res.err)
	i.opts.Metrics.ObserveTool(name, dur, err)
	telemetry.EndSpan(span, err)

	if err != nil {
		logger.Error("tool.call.failed", "tool", name, "duration_ms", dur.Milliseconds(), "error", err.Error())
		return Result{}, err
	}
	logger.Info("tool.call.completed", "tool", name, "duration_ms", dur.Milliseconds())
	return Result{Tool: name, Output: res.out, Duration: dur}, nil
}

// normalize keeps *ToolError and context errors, wrapping everything else
// as an execution error.
func (i *Invoker) normalize(name string, err error) error {
	if err == nil {
		return nil
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ToolError{Tool: name, Message: err.Error(), Code: CodeExecution}
}
