package engine

import (
	"context"
	"sync"

	"github.com/davidnguyen-tech/polypilot/core"
)

// CallbackType identifies a lifecycle point in the orchestration loop where
// registered callbacks run.
type CallbackType string

const (
	// CallbackBeforeIteration fires at the top of each loop pass, after the
	// iteration counter advances. Returning an error cancels the run.
	CallbackBeforeIteration CallbackType = "before_iteration"

	// CallbackAfterIteration fires after a clean pass, once state has been
	// persisted.
	CallbackAfterIteration CallbackType = "after_iteration"

	// CallbackBeforeDispatch fires with the parsed assignments before the
	// fan-out starts.
	CallbackBeforeDispatch CallbackType = "before_dispatch"

	// CallbackAfterDispatch fires once every worker result has been joined.
	CallbackAfterDispatch CallbackType = "after_dispatch"

	// CallbackOnEvaluation fires with the iteration's score and verdict.
	CallbackOnEvaluation CallbackType = "on_evaluation"

	// CallbackOnError fires when an iteration raises an exception, before
	// the error-budget decision.
	CallbackOnError CallbackType = "on_error"

	// CallbackOnStatePersist fires after reflection state is written out.
	CallbackOnStatePersist CallbackType = "on_state_persist"
)

// CallbackEvent carries the context of one lifecycle notification. Fields
// beyond Type, GroupID and Iteration are populated per callback type.
type CallbackEvent struct {
	Type        CallbackType
	GroupID     string
	Iteration   int
	Assignments []core.TaskAssignment
	Results     []core.WorkerResult
	Score       float64
	Passed      bool
	Err         error
}

// Callback is a lifecycle hook. Only CallbackBeforeIteration errors influence
// the run; errors from other hooks are logged and dropped.
type Callback func(ctx context.Context, ev CallbackEvent) error

// CallbackRegistry holds lifecycle hooks keyed by type. Safe for concurrent
// registration and invocation.
type CallbackRegistry struct {
	mu  sync.RWMutex
	cbs map[CallbackType][]Callback
}

// NewCallbackRegistry creates an empty registry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{cbs: make(map[CallbackType][]Callback)}
}

// Register appends a callback for the given lifecycle point.
func (r *CallbackRegistry) Register(t CallbackType, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cbs[t] = append(r.cbs[t], cb)
}

// invoke runs all callbacks registered for ev.Type in registration order and
// returns the first error.
func (r *CallbackRegistry) invoke(ctx context.Context, ev CallbackEvent) error {
	r.mu.RLock()
	cbs := r.cbs[ev.Type]
	r.mu.RUnlock()
	for _, cb := range cbs {
		if err := cb(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
