package entity

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/cuemby/failover/pkg/errcode"
)

// Map indexes entries by key. Lookups share a read lock; insert and remove are exclusive.
type Map[K comparable, T Cloner[T]] struct {
	mu      sync.RWMutex
	entries map[K]*Entry[T]
}

// NewMap returns an empty map
func NewMap[K comparable, T Cloner[T]]() *Map[K, T] {
	return &Map[K, T]{entries: make(map[K]*Entry[T])}
}

// Get returns the entry for k
func (m *Map[K, T]) Get(k K) (*Entry[T], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[k]
	return e, ok
}

// GetOrCreate returns the entry for k, adding an empty one if missing.
// The boolean reports whether the entry was created.
func (m *Map[K, T]) GetOrCreate(k K) (*Entry[T], bool) {
	if e, ok := m.Get(k); ok {
		return e, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[k]; ok {
		return e, false
	}
	e := newEmptyEntry[T]()
	m.entries[k] = e
	return e, true
}

// Insert adds a committed value for k
func (m *Map[K, T]) Insert(k K, v T) (*Entry[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[k]; ok {
		return nil, errors.Wrapf(errcode.ErrAlreadyExists, "entity %v", k)
	}
	e := NewEntry(v)
	m.entries[k] = e
	return e, nil
}

// Remove drops k from the index
func (m *Map[K, T]) Remove(k K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, k)
}

// Keys returns the keys in no particular order
func (m *Map[K, T]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]K, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

func (m *Map[K, T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshots returns the committed value of every entry that has one
func (m *Map[K, T]) Snapshots() []T {
	m.mu.RLock()
	entries := make([]*Entry[T], 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]T, 0, len(entries))
	for _, e := range entries {
		if v, ok := e.Snapshot(); ok {
			out = append(out, v)
		}
	}
	return out
}
