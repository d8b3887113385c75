package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/store"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("open sqlite cache: %v", err)
	}
	return s
}

func TestEntriesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache", "device.db")

	s := openTestStore(t, path)
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	if err := s.Put(ctx, store.Entry{
		Family:    store.Products,
		ID:        "p-1",
		Version:   3,
		State:     domain.SyncPendingLocal,
		UpdatedAt: at,
		Body:      []byte(`{"id":"p-1","name":"Beras 5kg"}`),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestStore(t, path)
	t.Cleanup(func() { _ = reopened.Close() })

	entry, err := reopened.Get(ctx, store.Products, "p-1")
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if entry.Version != 3 || entry.State != domain.SyncPendingLocal || entry.Remote {
		t.Fatalf("unexpected entry after restart: %+v", entry)
	}
	if !entry.UpdatedAt.Equal(at) {
		t.Fatalf("expected updated_at %s, got %s", at, entry.UpdatedAt)
	}
	if string(entry.Body) != `{"id":"p-1","name":"Beras 5kg"}` {
		t.Fatalf("unexpected body %s", entry.Body)
	}
}

func TestPutOverwritesAndDeleteExcludes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "cache.db"))
	t.Cleanup(func() { _ = s.Close() })

	for version := int64(1); version <= 2; version++ {
		if err := s.Put(ctx, store.Entry{
			Family:    store.Sales,
			ID:        "s-1",
			Version:   version,
			State:     domain.SyncSynced,
			Remote:    true,
			UpdatedAt: time.Now().UTC(),
			Body:      []byte(`{}`),
		}); err != nil {
			t.Fatalf("put v%d: %v", version, err)
		}
	}
	if err := s.Put(ctx, store.Entry{Family: store.Sales, ID: "s-2", Version: 1, State: domain.SyncSynced, UpdatedAt: time.Now().UTC(), Body: []byte(`{}`)}); err != nil {
		t.Fatalf("put s-2: %v", err)
	}

	all, err := s.GetAll(ctx, store.Sales)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sales, got %d", len(all))
	}

	if err := s.Delete(ctx, store.Sales, "s-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, err = s.GetAll(ctx, store.Sales)
	if err != nil {
		t.Fatalf("get all after delete: %v", err)
	}
	if len(all) != 1 || all[0].ID != "s-2" {
		t.Fatalf("expected only s-2 to remain, got %+v", all)
	}
	if _, err := s.Get(ctx, store.Sales, "s-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted entry, got %v", err)
	}
}

func TestApplyIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "cache.db"))
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Put(ctx, store.Entry{Family: store.Products, ID: "keep", Version: 1, State: domain.SyncSynced, UpdatedAt: time.Now().UTC(), Body: []byte(`{}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := s.Apply(cancelled, store.Batch{
		Puts:    []store.Entry{{Family: store.Products, ID: "new", Version: 1, State: domain.SyncPendingLocal, UpdatedAt: time.Now().UTC(), Body: []byte(`{}`)}},
		Deletes: []store.Key{{Family: store.Products, ID: "keep"}},
	})
	if err == nil {
		t.Fatalf("expected apply with cancelled context to fail")
	}

	if _, err := s.Get(ctx, store.Products, "keep"); err != nil {
		t.Fatalf("expected untouched entry to survive failed batch: %v", err)
	}
	if _, err := s.Get(ctx, store.Products, "new"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected failed batch to leave no partial put, got %v", err)
	}
}

func TestPragmasApplyToEveryConnection(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "device.db"))
	t.Cleanup(func() { _ = s.Close() })

	// No idle connections, so each query below runs on a fresh one.
	s.db.SetMaxIdleConns(0)
	for i := 0; i < 2; i++ {
		var busy, synchronous int
		if err := s.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy); err != nil {
			t.Fatalf("read busy_timeout: %v", err)
		}
		if err := s.db.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&synchronous); err != nil {
			t.Fatalf("read synchronous: %v", err)
		}
		if busy != 5000 {
			t.Fatalf("expected busy_timeout 5000 on connection %d, got %d", i, busy)
		}
		if synchronous != 1 {
			t.Fatalf("expected synchronous NORMAL on connection %d, got %d", i, synchronous)
		}
	}

	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal journal, got %q", mode)
	}
}
