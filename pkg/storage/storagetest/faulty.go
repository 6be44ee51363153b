// Package storagetest provides Store wrappers for exercising commit failures.
package storagetest

import (
	"sync"

	"github.com/cuemby/failover/pkg/storage"
)

// FaultyStore fails the next N commits with a configured error
type FaultyStore struct {
	storage.Store

	mu       sync.Mutex
	failures int
	err      error
	commits  int
	attempts int
}

// NewFaultyStore wraps inner
func NewFaultyStore(inner storage.Store) *FaultyStore {
	return &FaultyStore{Store: inner}
}

// FailNext makes the next n commits return err without touching the inner store
func (s *FaultyStore) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.err = err
}

func (s *FaultyStore) Commit(tx *storage.Transaction) error {
	s.mu.Lock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.Store.Commit(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return nil
}

// Commits returns the number of successful commits
func (s *FaultyStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Attempts returns the number of Commit calls
func (s *FaultyStore) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
