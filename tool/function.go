package tool

import (
	"context"

	"github.com/hupe1980/medmesh/internal/util"
)

// FunctionTool exposes a plain Go function as a Tool.
//
// A FunctionTool has no mutable state after construction and is safe for
// concurrent use. Argument validation happens in the Invoker before Call.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from an explicit schema and function.
//
// Example:
//
//	lookup := NewFunctionTool(
//	  "icd10_lookup",
//	  "Look up an ICD-10 code",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "code": map[string]any{"type": "string"},
//	    },
//	    "required": []string{"code"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return codes[args["code"].(string)], nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using
// reflection. Fields without omitempty and not pointers are required; an
// `enum:"a,b"` tag restricts string values.
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

// Name returns the unique tool name.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call invokes the wrapped function.
func (t *FunctionTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

var _ Tool = (*FunctionTool)(nil)
