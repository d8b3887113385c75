// Package memory is an in-process remote store for tests and local
// development. It can be switched offline and told to reject writes.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"tokosync/backend/internal/remote"
	"tokosync/backend/internal/store"
)

var errOffline = errors.New("remote unreachable")

// Call records one write received while online.
type Call struct {
	Op     string
	Family store.Family
	ID     string
}

type Store struct {
	mu      sync.Mutex
	docs    map[store.Family]map[string]remote.Document
	offline bool
	reject  func(op string, family store.Family, id string) bool
	calls   []Call
}

func New() *Store {
	return &Store{docs: make(map[store.Family]map[string]remote.Document)}
}

func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// RejectWhen installs a predicate; matching writes fail with
// store.ErrRemoteRejected. Pass nil to clear it.
func (s *Store) RejectWhen(fn func(op string, family store.Family, id string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = fn
}

func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Seed writes a document directly, as another device would.
func (s *Store) Seed(family store.Family, doc remote.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(family, doc)
}

func (s *Store) Get(family store.Family, id string) (remote.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[family][id]
	if ok {
		doc.Body = append([]byte(nil), doc.Body...)
	}
	return doc, ok
}

func (s *Store) Create(_ context.Context, family store.Family, doc remote.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admit("create", family, doc.ID); err != nil {
		return "", err
	}
	s.put(family, doc)
	return doc.ID, nil
}

func (s *Store) Update(_ context.Context, family store.Family, id string, doc remote.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admit("update", family, id); err != nil {
		return err
	}
	if _, ok := s.docs[family][id]; !ok {
		return remote.Rejected("update", fmt.Errorf("%s/%s does not exist", family, id))
	}
	doc.ID = id
	s.put(family, doc)
	return nil
}

func (s *Store) Delete(_ context.Context, family store.Family, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admit("delete", family, id); err != nil {
		return err
	}
	delete(s.docs[family], id)
	return nil
}

func (s *Store) List(_ context.Context, family store.Family) ([]remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, remote.Network("list", errOffline)
	}
	docs := make([]remote.Document, 0, len(s.docs[family]))
	for _, doc := range s.docs[family] {
		doc.Body = append([]byte(nil), doc.Body...)
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) admit(op string, family store.Family, id string) error {
	if s.offline {
		return remote.Network(op, errOffline)
	}
	s.calls = append(s.calls, Call{Op: op, Family: family, ID: id})
	if s.reject != nil && s.reject(op, family, id) {
		return remote.Rejected(op, fmt.Errorf("%s/%s refused", family, id))
	}
	return nil
}

func (s *Store) put(family store.Family, doc remote.Document) {
	if s.docs[family] == nil {
		s.docs[family] = make(map[string]remote.Document)
	}
	doc.Body = append([]byte(nil), doc.Body...)
	s.docs[family][doc.ID] = doc
}
