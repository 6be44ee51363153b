// Package entity provides indexed, lock-scoped handles to copy-on-write state.
//
// An Entry holds the committed value of one entity. Writers acquire a Locked
// handle, build the next value from Old() or Current() and finish the handle
// exactly once with Commit or Discard. Readers call Snapshot and never see a
// value that has not been committed.
package entity

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/assert"
	"github.com/cuemby/failover/pkg/errcode"
)

// Cloner is implemented by entity values; Clone must return a deep copy
type Cloner[T any] interface {
	Clone() T
}

// Entry is the committed value of one entity plus its writer lock
type Entry[T Cloner[T]] struct {
	sem chan struct{}

	mu      sync.RWMutex
	value   T
	exists  bool
	version int64
}

// NewEntry returns an entry whose committed value is v
func NewEntry[T Cloner[T]](v T) *Entry[T] {
	return &Entry[T]{sem: make(chan struct{}, 1), value: v, exists: true}
}

func newEmptyEntry[T Cloner[T]]() *Entry[T] {
	return &Entry[T]{sem: make(chan struct{}, 1)}
}

// Snapshot returns the committed value. It must be treated as read-only.
func (e *Entry[T]) Snapshot() (T, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value, e.exists
}

// Version counts commits to this entry
func (e *Entry[T]) Version() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Lock waits for exclusive write access or until ctx is done
func (e *Entry[T]) Lock(ctx context.Context) (*Locked[T], error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrap(errcode.ErrTimeout, "waiting for entity lock")
	}

	old, exists := e.Snapshot()
	return &Locked[T]{entry: e, old: old, exists: exists}, nil
}

// TryLock acquires the lock only if it is free
func (e *Entry[T]) TryLock() (*Locked[T], bool) {
	select {
	case e.sem <- struct{}{}:
	default:
		return nil, false
	}
	old, exists := e.Snapshot()
	return &Locked[T]{entry: e, old: old, exists: exists}, true
}

func (e *Entry[T]) commit(v T) {
	e.mu.Lock()
	e.value = v
	e.exists = true
	e.version++
	e.mu.Unlock()
}

func (e *Entry[T]) unlock() {
	<-e.sem
}

// Outcome is the single decision a Locked handle finishes with
type Outcome[T any] struct {
	commit bool
	value  T
}

// Commit publishes v as the new committed value
func Commit[T any](v T) Outcome[T] {
	return Outcome[T]{commit: true, value: v}
}

// Discard keeps the previously committed value
func Discard[T any]() Outcome[T] {
	return Outcome[T]{}
}

// IsCommit reports whether the outcome publishes a value
func (o Outcome[T]) IsCommit() bool {
	return o.commit
}

// Locked is an exclusive handle on an entry. Old is the committed value at
// lock time; Current is a private copy made on first use.
type Locked[T Cloner[T]] struct {
	entry    *Entry[T]
	old      T
	exists   bool
	current  T
	cloned   bool
	finished bool
}

// Old returns the committed value captured when the lock was taken
func (l *Locked[T]) Old() T {
	return l.old
}

// Exists reports whether the entity had a committed value at lock time
func (l *Locked[T]) Exists() bool {
	return l.exists
}

// Current returns a mutable copy of Old, cloned on first call.
// For an entity with no committed value it returns the zero value.
func (l *Locked[T]) Current() T {
	if !l.cloned {
		if l.exists {
			l.current = l.old.Clone()
		}
		l.cloned = true
	}
	return l.current
}

// Entry returns the entry this handle locks
func (l *Locked[T]) Entry() *Entry[T] {
	return l.entry
}

// IsFinished reports whether Finish has been called
func (l *Locked[T]) IsFinished() bool {
	return l.finished
}

// Finish commits or discards and releases the lock. Calling it twice is a coding error.
func (l *Locked[T]) Finish(o Outcome[T]) {
	if l.finished {
		assert.CodingError("locked entity finished twice")
	}
	l.finished = true

	if o.commit {
		l.entry.commit(o.value)
	}
	l.entry.unlock()
}

// Release discards the handle if it has not been finished
func (l *Locked[T]) Release() {
	if !l.finished {
		l.Finish(Discard[T]())
	}
}
