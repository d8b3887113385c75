// Package remote is the contract for the authoritative document store that
// every device mirrors. Adapters classify failures as store.ErrNetwork
// (transient, retried) or store.ErrRemoteRejected (permanent).
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tokosync/backend/internal/store"
)

type Document struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Body      json.RawMessage `json:"body"`
}

// Store is implemented by every remote backend. Create is idempotent on the
// client-assigned id and Delete of a missing id succeeds, so any write may be
// retried safely.
type Store interface {
	Create(ctx context.Context, family store.Family, doc Document) (string, error)
	Update(ctx context.Context, family store.Family, id string, doc Document) error
	Delete(ctx context.Context, family store.Family, id string) error
	List(ctx context.Context, family store.Family) ([]Document, error)
	Close() error
}

func FromEntry(e store.Entry) Document {
	return Document{ID: e.ID, Version: e.Version, UpdatedAt: e.UpdatedAt, Body: e.Body}
}

func Network(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, store.ErrNetwork, err)
}

func Rejected(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, store.ErrRemoteRejected, err)
}

// Classify wraps a driver error that an adapter could not place itself as
// transient. Errors that are already classified pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNetwork) || errors.Is(err, store.ErrRemoteRejected) {
		return err
	}
	return Network(op, err)
}

func Transient(err error) bool {
	return errors.Is(err, store.ErrNetwork)
}

type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout bounds every call to next. A non-positive timeout returns next.
func WithTimeout(next Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return next
	}
	return &timeoutStore{next: next, timeout: timeout}
}

func (s *timeoutStore) Create(ctx context.Context, family store.Family, doc Document) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	id, err := s.next.Create(ctx, family, doc)
	return id, Classify("create", err)
}

func (s *timeoutStore) Update(ctx context.Context, family store.Family, id string, doc Document) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return Classify("update", s.next.Update(ctx, family, id, doc))
}

func (s *timeoutStore) Delete(ctx context.Context, family store.Family, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return Classify("delete", s.next.Delete(ctx, family, id))
}

func (s *timeoutStore) List(ctx context.Context, family store.Family) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	docs, err := s.next.List(ctx, family)
	return docs, Classify("list", err)
}

func (s *timeoutStore) Close() error {
	return s.next.Close()
}
