package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/loop"
)

// CallbackType identifies a lifecycle hook.
type CallbackType string

const (
	// CallbackBeforeStage runs before a stage starts. An error fails the execution.
	CallbackBeforeStage CallbackType = "before_stage"
	// CallbackAfterStage runs after a stage stored its output.
	CallbackAfterStage CallbackType = "after_stage"
	// CallbackBeforeIteration runs before each loop iteration. An error fails the execution.
	CallbackBeforeIteration CallbackType = "before_iteration"
	// CallbackAfterIteration runs after each loop iteration.
	CallbackAfterIteration CallbackType = "after_iteration"
	// CallbackOnPause runs when backpressure pauses an execution.
	CallbackOnPause CallbackType = "on_pause"
	// CallbackOnError runs when an execution fails.
	CallbackOnError CallbackType = "on_error"
	// CallbackOnComplete runs when an execution completes.
	CallbackOnComplete CallbackType = "on_complete"
)

// CallbackContext carries the data available to a hook. Fields that do not
// apply to the hook type are zero.
type CallbackContext struct {
	ExecutionID string
	ProjectID   string
	AgentID     string
	StageIndex  int
	StageName   string
	Iteration   *loop.Iteration
	Violation   *loop.Violation
	Err         error
	Type        CallbackType
}

// Callback is a lifecycle hook.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, cc *CallbackContext) error
}

// FunctionCallback adapts a function to Callback.
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, cc *CallbackContext) error
}

// NewFunctionCallback creates a callback from a function.
func NewFunctionCallback(t CallbackType, fn func(ctx context.Context, cc *CallbackContext) error) *FunctionCallback {
	return &FunctionCallback{callbackType: t, fn: fn}
}

// Type implements Callback.
func (c *FunctionCallback) Type() CallbackType { return c.callbackType }

// Execute implements Callback.
func (c *FunctionCallback) Execute(ctx context.Context, cc *CallbackContext) error {
	return c.fn(ctx, cc)
}

// LoggingCallback logs every invocation of its hook type.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a logging hook.
func NewLoggingCallback(t CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{callbackType: t, logger: logger}
}

// Type implements Callback.
func (c *LoggingCallback) Type() CallbackType { return c.callbackType }

// Execute implements Callback.
func (c *LoggingCallback) Execute(_ context.Context, cc *CallbackContext) error {
	args := []any{"hook", string(c.callbackType), "execution_id", cc.ExecutionID, "stage", cc.StageIndex}
	if cc.Iteration != nil {
		args = append(args, "iteration", cc.Iteration.Number, "status", string(cc.Iteration.Status))
	}
	if cc.Err != nil {
		args = append(args, "error", cc.Err)
	}
	c.logger.Info("lifecycle hook", args...)
	return nil
}

// CallbackManager holds the registered hooks. It is safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{callbacks: make(map[CallbackType][]Callback)}
}

// Register adds a hook.
func (cm *CallbackManager) Register(cb Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks[cb.Type()] = append(cm.callbacks[cb.Type()], cb)
}

// Execute runs the hooks of type t in registration order and stops at the
// first error.
func (cm *CallbackManager) Execute(ctx context.Context, t CallbackType, cc *CallbackContext) error {
	cm.mu.RLock()
	hooks := append([]Callback(nil), cm.callbacks[t]...)
	cm.mu.RUnlock()

	cc.Type = t
	for _, cb := range hooks {
		if err := cb.Execute(ctx, cc); err != nil {
			return err
		}
	}
	return nil
}
