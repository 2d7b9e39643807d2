package core

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by registry, protocol, tool and orchestration code.
// Callers match with errors.Is; typed errors below unwrap to these.
var (
	ErrUnknownAgent    = errors.New("unknown agent")
	ErrUnreachable     = errors.New("agent unreachable")
	ErrTimeout         = errors.New("timeout")
	ErrMalformedAction = errors.New("malformed action")
	ErrUnknownTool     = errors.New("unknown tool")
	ErrInvalidArgs     = errors.New("invalid arguments")
	ErrToolExecution   = errors.New("tool execution failed")
	ErrProtocol        = errors.New("protocol error")
	ErrCanceled        = errors.New("canceled")
)

// ProtocolError reports a violation of the task protocol, such as a
// duplicate message ID or an illegal state transition.
type ProtocolError struct {
	TaskID string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error in task %s: %s", e.TaskID, e.Reason)
}

// Is lets errors.Is(err, ErrProtocol) match.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// NewProtocolError creates a ProtocolError.
func NewProtocolError(taskID, format string, args ...any) *ProtocolError {
	return &ProtocolError{TaskID: taskID, Reason: fmt.Sprintf(format, args...)}
}

// TaskError records why a task ended in a non-completed terminal state.
type TaskError struct {
	TaskID string
	State  TaskState
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s %s: %v", e.TaskID, e.State, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// MalformedActionError carries the raw model output that could not be parsed.
type MalformedActionError struct {
	Raw    string
	Reason string
}

func (e *MalformedActionError) Error() string {
	return fmt.Sprintf("malformed action: %s", e.Reason)
}

// Is lets errors.Is(err, ErrMalformedAction) match.
func (e *MalformedActionError) Is(target error) bool { return target == ErrMalformedAction }
