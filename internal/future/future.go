// Package future provides a write-once result slot that is completed by one
// goroutine and awaited by any number of others.
package future

import (
	"context"
	"sync"
	"sync/atomic"
)

// Future holds the eventual value or failure of an asynchronous operation.
// It is safe for concurrent use. A Future must be completed exactly once.
type Future struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	value   any
	err     error

	handled atomic.Bool
}

// New returns an uncompleted Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a Future already completed with v.
func Resolved(v any) *Future {
	f := New()
	f.Resolve(v)
	return f
}

// Failed returns a Future already completed with err.
func Failed(err error) *Future {
	f := New()
	f.Fail(err)
	return f
}

// Go runs fn in a new goroutine and returns a Future for its outcome.
// A panic in fn is converted into a failure.
func Go(fn func() (any, error)) *Future {
	f := New()
	go func() {
		v, err := Call(fn)
		f.Complete(v, err)
	}()
	return f
}

// Resolve completes f with a value. Completing a Future twice panics.
func (f *Future) Resolve(v any) {
	f.Complete(v, nil)
}

// Fail completes f with an error. Completing a Future twice panics.
func (f *Future) Fail(err error) {
	f.Complete(nil, err)
}

// Complete stores the outcome and wakes every waiter. A non-nil err marks the
// Future as failed and v is discarded.
func (f *Future) Complete(v any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		panic("future: completed twice")
	}
	f.settled = true
	if err != nil {
		f.err = err
	} else {
		f.value = v
	}
	close(f.done)
}

// Done returns a channel closed once the Future is completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Completed reports whether the Future has been completed.
func (f *Future) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome. It must only be called after Done is closed;
// before that it returns (nil, nil).
func (f *Future) Result() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Wait blocks until the Future completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Discard marks any eventual failure as observed. Owners that give up on a
// Future call this so the failure is not reported as unhandled.
func (f *Future) Discard() {
	f.handled.Store(true)
}

// Discarded reports whether Discard was called.
func (f *Future) Discarded() bool {
	return f.handled.Load()
}
