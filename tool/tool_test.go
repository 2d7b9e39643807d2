package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/telemetry"
)

func sumTool() *FunctionTool {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []string{"a", "b"},
	}
	return NewFunctionTool("sum", "Add numbers", params, func(_ context.Context, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})
}

func newInvoker(t *testing.T, tools []Tool, optFns ...func(o *InvokerOptions)) *Invoker {
	t.Helper()
	inv, err := NewInvoker(tools, optFns...)
	require.NoError(t, err)
	return inv
}

func TestInvoke_Success(t *testing.T) {
	inv := newInvoker(t, []Tool{sumTool()})

	res, err := inv.Invoke(context.Background(), "sum", map[string]any{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, res.Output)
	assert.Equal(t, "5", res.Text())
	assert.Equal(t, "sum", res.Tool)
}

func TestInvoke_UnknownTool(t *testing.T) {
	inv := newInvoker(t, nil)
	_, err := inv.Invoke(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, core.ErrUnknownTool)
}

func TestInvoke_InvalidArgs(t *testing.T) {
	inv := newInvoker(t, []Tool{sumTool()})

	_, err := inv.Invoke(context.Background(), "sum", map[string]any{"a": 1.0})
	require.ErrorIs(t, err, core.ErrInvalidArgs)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeInvalidArgs, toolErr.Code)
	var vErr *ValidationError
	require.ErrorAs(t, toolErr.Details.(error), &vErr)
	assert.Equal(t, "b", vErr.Field)
}

func TestInvoke_ExecutionError(t *testing.T) {
	fail := NewFunctionTool("fail", "Fails", map[string]any{}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	inv := newInvoker(t, []Tool{fail})

	_, err := inv.Invoke(context.Background(), "fail", nil)
	assert.ErrorIs(t, err, core.ErrToolExecution)
	assert.ErrorContains(t, err, "boom")
}

func TestInvoke_CustomToolErrorPassesThrough(t *testing.T) {
	custom := NewFunctionTool("custom", "", map[string]any{}, func(context.Context, map[string]any) (any, error) {
		return nil, NewToolError("custom", "upstream said no", "UPSTREAM")
	})
	inv := newInvoker(t, []Tool{custom})

	_, err := inv.Invoke(context.Background(), "custom", nil)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "UPSTREAM", toolErr.Code)
}

func TestInvoke_PanicRecovered(t *testing.T) {
	bad := NewFunctionTool("bad", "", map[string]any{}, func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})
	inv := newInvoker(t, []Tool{bad})

	_, err := inv.Invoke(context.Background(), "bad", nil)
	assert.ErrorIs(t, err, core.ErrToolExecution)
	assert.ErrorContains(t, err, "kaboom")
}

func TestInvoke_TimeoutDoesNotWaitForTool(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stuck := NewFunctionTool("stuck", "", map[string]any{}, func(context.Context, map[string]any) (any, error) {
		<-release // ignores its context
		return "late", nil
	})
	inv := newInvoker(t, []Tool{stuck}, func(o *InvokerOptions) {
		o.Timeouts = map[string]time.Duration{"stuck": 20 * time.Millisecond}
	})

	start := time.Now()
	_, err := inv.Invoke(context.Background(), "stuck", nil)
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.ErrorIs(t, err, core.ErrToolExecution)
	assert.Less(t, time.Since(start), time.Second)
}

func TestInvoke_CallerCancel(t *testing.T) {
	blocking := NewFunctionTool("block", "", map[string]any{}, func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	inv := newInvoker(t, []Tool{blocking})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := inv.Invoke(ctx, "block", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvoke_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	inv := newInvoker(t, []Tool{sumTool()}, func(o *InvokerOptions) { o.Metrics = metrics })

	_, _ = inv.Invoke(context.Background(), "sum", map[string]any{"a": 1.0, "b": 1.0})
	_, _ = inv.Invoke(context.Background(), "sum", map[string]any{"a": 1.0})

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ToolExecutions.WithLabelValues("sum", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ToolExecutions.WithLabelValues("sum", "error")),
		"validation failures never reach execution")
}

func TestNewInvoker_DuplicateNames(t *testing.T) {
	_, err := NewInvoker([]Tool{sumTool(), sumTool()})
	assert.Error(t, err)
}

func TestTools_Sorted(t *testing.T) {
	echo := NewFunctionTool("echo", "", map[string]any{}, func(_ context.Context, args map[string]any) (any, error) { return args, nil })
	inv := newInvoker(t, []Tool{sumTool(), echo})
	tools := inv.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "echo", tools[0].Name())
	_, ok := inv.Lookup("sum")
	assert.True(t, ok)
}

func TestToolErrorFormatting(t *testing.T) {
	err := NewToolError("demo", "something failed", "E123")
	assert.Contains(t, err.Error(), "E123")
	assert.Contains(t, err.Error(), "demo")
	assert.False(t, errors.Is(err, core.ErrTimeout))
}
