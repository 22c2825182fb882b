package msgpackrpc

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Future is the deferred-result primitive described in spec.md §9: it
// resolves exactly once, with either a value or an error, and callbacks
// registered after resolution still run, in registration order, against
// the already-resolved outcome.
//
// Future plays the role birpc.go gives rpc.Call/call.Done, but exposes
// callback chaining instead of a bare channel so the server-side
// "deferred value" path (§4.2) and the client-side completion (§4.6) can
// share one type.
type Future struct {
	mu        sync.Mutex
	done      atomic.Bool
	result    interface{}
	err       error
	ch        chan struct{}
	callbacks []func(interface{}, error)
}

// NewFuture creates an unresolved Future.
func NewFuture() *Future {
	return &Future{ch: make(chan struct{})}
}

// Resolved returns an already-resolved Future, useful for call sites that
// have a value in hand synchronously (e.g. a server method that returns
// immediately).
func Resolved(result interface{}, err error) *Future {
	f := NewFuture()
	f.settle(result, err)
	return f
}

func (f *Future) settle(result interface{}, err error) bool {
	f.mu.Lock()
	if !f.done.CompareAndSwap(false, true) {
		f.mu.Unlock()
		return false
	}
	f.result = result
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	close(f.ch)

	for _, cb := range callbacks {
		cb(result, err)
	}
	return true
}

// Resolve settles the Future with a successful result. Only the first
// call (Resolve or Reject) has any effect.
func (f *Future) Resolve(result interface{}) {
	f.settle(result, nil)
}

// Reject settles the Future with an error. Only the first call (Resolve
// or Reject) has any effect.
func (f *Future) Reject(err error) {
	f.settle(nil, err)
}

// AddCallback registers fn to run with the resolved outcome. If the
// Future is already resolved, fn runs synchronously before AddCallback
// returns; callbacks added by concurrent or later calls still observe
// registration order relative to each other.
func (f *Future) AddCallback(fn func(result interface{}, err error)) {
	f.mu.Lock()
	if f.done.Load() {
		result, err := f.result, f.err
		f.mu.Unlock()
		fn(result, err)
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Wait blocks until the Future resolves or ctx is done, whichever comes
// first.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.ch:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel that is closed once the Future has resolved.
func (f *Future) Done() <-chan struct{} {
	return f.ch
}
