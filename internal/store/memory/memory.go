package memory

import (
	"context"
	"errors"
	"sync"

	"tokosync/backend/internal/store"
)

// Store is a process-local cache. It satisfies store.Cache but does not
// survive restarts, so it is meant for tests and demo mode.
type Store struct {
	mu      sync.RWMutex
	entries map[store.Family]map[string]store.Entry
	closed  bool

	// failApply makes the next Apply calls fail, to exercise I/O failure paths.
	failApply int
}

var errClosed = errors.New("memory cache closed")

func New() *Store {
	return &Store{entries: make(map[store.Family]map[string]store.Entry)}
}

// FailNextApply makes the next n Apply or Put calls return an error.
func (s *Store) FailNextApply(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failApply = n
}

func (s *Store) Put(_ context.Context, entry store.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return err
	}
	s.putLocked(entry)
	return nil
}

func (s *Store) Get(_ context.Context, family store.Family, id string) (store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.Entry{}, errClosed
	}
	entry, ok := s.entries[family][id]
	if !ok {
		return store.Entry{}, store.ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (s *Store) GetAll(_ context.Context, family store.Family) ([]store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}
	entries := make([]store.Entry, 0, len(s.entries[family]))
	for _, entry := range s.entries[family] {
		entries = append(entries, cloneEntry(entry))
	}
	return entries, nil
}

func (s *Store) Delete(_ context.Context, family store.Family, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	delete(s.entries[family], id)
	return nil
}

func (s *Store) Apply(_ context.Context, batch store.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return err
	}
	for _, entry := range batch.Puts {
		s.putLocked(entry)
	}
	for _, key := range batch.Deletes {
		delete(s.entries[key.Family], key.ID)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) writable() error {
	if s.closed {
		return errClosed
	}
	if s.failApply > 0 {
		s.failApply--
		return errors.New("memory cache: injected write failure")
	}
	return nil
}

func (s *Store) putLocked(entry store.Entry) {
	family, ok := s.entries[entry.Family]
	if !ok {
		family = make(map[string]store.Entry)
		s.entries[entry.Family] = family
	}
	family[entry.ID] = cloneEntry(entry)
}

func cloneEntry(src store.Entry) store.Entry {
	dst := src
	if src.Body != nil {
		dst.Body = append([]byte(nil), src.Body...)
	}
	return dst
}
