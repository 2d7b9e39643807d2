// Package tool implements the local tool calling subsystem that lets the
// reasoning loop invoke structured capabilities (searches, record lookups)
// with schema validated arguments, bounded execution time and uniform errors.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/internal/util"
)

// Tool defines a capability the reasoning loop can call by name.
//
// Tool implementations should:
//   - Provide clear, descriptive snake_case names
//   - Define a JSON schema for their parameters
//   - Honor context cancellation for anything that blocks
//   - Be safe for concurrent use
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description is shown to the reasoning model to decide when to call the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Call executes the tool with already validated arguments.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes carried by ToolError.
const (
	CodeUnknownTool = "UNKNOWN_TOOL"
	CodeInvalidArgs = "INVALID_ARGS"
	CodeExecution   = "EXECUTION_ERROR"
	CodeTimeout     = "TIMEOUT"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// Is maps error codes onto the shared sentinels so callers can use errors.Is.
func (e *ToolError) Is(target error) bool {
	switch e.Code {
	case CodeUnknownTool:
		return target == core.ErrUnknownTool
	case CodeInvalidArgs:
		return target == core.ErrInvalidArgs
	case CodeTimeout:
		return target == core.ErrTimeout || target == core.ErrToolExecution
	case CodeExecution:
		return target == core.ErrToolExecution
	}
	return false
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
