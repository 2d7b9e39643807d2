package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/medmesh/core"
	"github.com/hupe1980/medmesh/logging"
)

// CallbackType names a lifecycle point of a coordinator task.
type CallbackType string

const (
	// CallbackBeforeTask runs before the task starts working. Returning an
	// error fails the task.
	CallbackBeforeTask CallbackType = "before_task"

	// CallbackAfterTask runs once the task is terminal.
	CallbackAfterTask CallbackType = "after_task"

	// CallbackOnEvent runs for every event before it is delivered.
	CallbackOnEvent CallbackType = "on_event"

	// CallbackOnError runs when a task ends failed or canceled.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext describes the task a callback runs for.
type CallbackContext struct {
	SessionID string
	TaskID    string
	Query     string
	State     core.TaskState
	// Event is set for CallbackOnEvent and CallbackOnError.
	Event *core.Event
	// Err is set for CallbackOnError and for a failed CallbackAfterTask.
	Err error
}

// Callback is a hook at one lifecycle point.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, cc *CallbackContext) error
}

// FunctionCallback adapts a function to Callback.
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, cc *CallbackContext) error
}

// NewFunctionCallback creates a callback for the given lifecycle point.
func NewFunctionCallback(callbackType CallbackType, fn func(ctx context.Context, cc *CallbackContext) error) *FunctionCallback {
	return &FunctionCallback{callbackType: callbackType, fn: fn}
}

// Type implements Callback.
func (c *FunctionCallback) Type() CallbackType { return c.callbackType }

// Execute implements Callback.
func (c *FunctionCallback) Execute(ctx context.Context, cc *CallbackContext) error {
	return c.fn(ctx, cc)
}

// CallbackManager routes lifecycle points to registered callbacks.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager returns an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{callbacks: make(map[CallbackType][]Callback)}
}

// RegisterCallback adds a callback. Callbacks of one type run in
// registration order.
func (cm *CallbackManager) RegisterCallback(cb Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks[cb.Type()] = append(cm.callbacks[cb.Type()], cb)
}

// ExecuteCallbacks runs the callbacks of callbackType and stops at the first
// error.
func (cm *CallbackManager) ExecuteCallbacks(ctx context.Context, callbackType CallbackType, cc *CallbackContext) error {
	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	for _, cb := range callbacks {
		if err := cb.Execute(ctx, cc); err != nil {
			return err
		}
	}
	return nil
}

// Run is ExecuteCallbacks for lifecycle points that cannot abort the task;
// an error is only logged.
func (cm *CallbackManager) Run(ctx context.Context, callbackType CallbackType, cc *CallbackContext, logger logging.Logger) {
	if err := cm.ExecuteCallbacks(ctx, callbackType, cc); err != nil {
		logging.OrNoOp(logger).Warn("engine.callback.failed", "callback", string(callbackType), "error", err.Error())
	}
}
