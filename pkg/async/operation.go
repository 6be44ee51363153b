// Package async provides the completion handle returned by Begin* calls.
//
// An Operation completes exactly once. Error blocks until completion, the same
// way a raft ApplyFuture does; Wait adds context cancellation for callers that
// must not block forever.
package async

import (
	"context"
	"sync"
)

// Operation is a one-shot completion handle
type Operation struct {
	done chan struct{}
	once sync.Once
	err  error
}

// New returns a pending operation
func New() *Operation {
	return &Operation{done: make(chan struct{})}
}

// Completed returns an operation already completed with err
func Completed(err error) *Operation {
	op := New()
	op.Complete(err)
	return op
}

// Go runs fn on a new goroutine and completes with its result
func Go(fn func() error) *Operation {
	op := New()
	go func() {
		op.Complete(fn())
	}()
	return op
}

// Complete records err and wakes waiters. Only the first call has effect.
func (o *Operation) Complete(err error) bool {
	completed := false
	o.once.Do(func() {
		o.err = err
		close(o.done)
		completed = true
	})
	return completed
}

// Done is closed once the operation completes
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// IsCompleted reports whether Complete has been called
func (o *Operation) IsCompleted() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Error blocks until completion and returns the result
func (o *Operation) Error() error {
	<-o.done
	return o.err
}

// Wait blocks until completion or ctx is done
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Then runs fn with the result once the operation completes
func (o *Operation) Then(fn func(err error)) {
	go func() {
		<-o.done
		fn(o.err)
	}()
}
