package session

import (
	"context"
	"sync"
)

// Future is the single outstanding completion handle for one session turn.
// It resolves with the final response text or fails with an error exactly
// once; later calls are no-ops.
//
// Completion is signalled by closing a channel, so continuations always run
// on the waiter's own goroutine, never synchronously on the goroutine that
// resolved the future. The pipeline relies on this: the engine's next step
// executes inside a Wait and must not run while the pipeline is still
// mid-mutation on the completing goroutine.
type Future struct {
	done chan struct{}

	mu   sync.Mutex
	text string
	err  error
	set  bool
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return
	}
	f.text = text
	f.set = true
	close(f.done)
}

func (f *Future) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return
	}
	f.err = err
	f.set = true
	close(f.done)
}

// ResolvedFuture returns a future already settled with text. Intended for
// fakes standing in for the session service.
func ResolvedFuture(text string) *Future {
	f := newFuture()
	f.resolve(text)
	return f
}

// FailedFuture returns a future already settled with err.
func FailedFuture(err error) *Future {
	f := newFuture()
	f.fail(err)
	return f
}

// Done returns a channel closed when the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome. Valid only after Done is closed.
func (f *Future) Result() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, f.err
}

// Wait blocks until the turn completes or ctx is cancelled, returning the
// final response text. Context cancellation is returned as ctx.Err, never
// rewrapped.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-f.done:
		return f.Result()
	}
}
