// Package future provides the single-resolution result handle returned by
// every broker operation.
//
// A Future is resolved exactly once, with either a value or an error. Later
// attempts to resolve it are ignored and report false, which is how a timed
// out unit's late result gets discarded.
//
// Callbacks registered with OnResult and OnFailure fire once, in registration
// order, on a goroutine owned by the future. They never run on the goroutine
// that resolved it, so a callback may block or await other futures without
// stalling a worker.
package future

import (
	"context"
	"errors"
	"sync"
)

// Future is a pending result of type T.
type Future[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	resolved  bool
	val       T
	err       error
	callbacks []func(T, error)
	cancel    func() bool
}

// New creates an unresolved future. cancel, if non-nil, is invoked by Cancel
// and reports whether the pending work was actually withdrawn.
func New[T any](cancel func() bool) *Future[T] {
	return &Future[T]{
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Resolved returns a future already resolved with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T](nil)
	f.Resolve(v)
	return f
}

// Failed returns a future already resolved with err.
func Failed[T any](err error) *Future[T] {
	f := New[T](nil)
	f.Reject(err)
	return f
}

// Resolve sets the value. Returns false if the future was already resolved.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject sets the failure. A nil err is replaced with a generic error so
// that a rejected future never looks successful.
func (f *Future[T]) Reject(err error) bool {
	if err == nil {
		err = errors.New("future rejected without an error")
	}
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.val = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	close(f.done)

	if len(callbacks) > 0 {
		go fire(callbacks, v, err)
	}
	return true
}

func fire[T any](callbacks []func(T, error), v T, err error) {
	for _, cb := range callbacks {
		cb(v, err)
	}
}

// Done returns a channel closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsResolved reports whether a value or failure has been set.
func (f *Future[T]) IsResolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future resolves or ctx is done. A ctx expiry only
// stops the wait; the underlying work is left alone.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Wait blocks until the future resolves.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// Then registers cb to receive the outcome. Callbacks registered before
// resolution run in registration order on one goroutine; a callback
// registered after resolution is scheduled on its own goroutine.
func (f *Future[T]) Then(cb func(T, error)) *Future[T] {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return f
	}
	v, err := f.val, f.err
	f.mu.Unlock()
	go cb(v, err)
	return f
}

// OnResult registers cb to run if the future resolves with a value.
func (f *Future[T]) OnResult(cb func(T)) *Future[T] {
	return f.Then(func(v T, err error) {
		if err == nil {
			cb(v)
		}
	})
}

// OnFailure registers cb to run if the future resolves with an error.
func (f *Future[T]) OnFailure(cb func(error)) *Future[T] {
	return f.Then(func(_ T, err error) {
		if err != nil {
			cb(err)
		}
	})
}

// Cancel asks the producer to withdraw the pending work. It returns true
// only if the work was withdrawn before it started; the future is then
// resolved with the producer's cancellation error.
func (f *Future[T]) Cancel() bool {
	if f.cancel == nil || f.IsResolved() {
		return false
	}
	return f.cancel()
}
