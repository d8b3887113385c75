package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	family     TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	version    INTEGER NOT NULL,
	state      TEXT    NOT NULL,
	remote     INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT    NOT NULL,
	body       BLOB    NOT NULL,
	PRIMARY KEY (family, id)
)`

// connPragmas are per-connection settings, so they travel in the DSN and
// the driver applies them to every connection it opens.
var connPragmas = []string{
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"journal_mode(WAL)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// Store is the durable on-device cache backed by a single sqlite file.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	// sqlite has a single writer; one connection avoids SQLITE_BUSY between
	// our own goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate cache schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, entry store.Entry) error {
	return s.Apply(ctx, store.Batch{Puts: []store.Entry{entry}})
}

func (s *Store) Get(ctx context.Context, family store.Family, id string) (store.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT family, id, version, state, remote, updated_at, body
		FROM cache_entries
		WHERE family = ? AND id = ?
	`, string(family), id)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Entry{}, store.ErrNotFound
		}
		return store.Entry{}, err
	}
	return entry, nil
}

func (s *Store) GetAll(ctx context.Context, family store.Family) ([]store.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT family, id, version, state, remote, updated_at, body
		FROM cache_entries
		WHERE family = ?
	`, string(family))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]store.Entry, 0, 64)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) Delete(ctx context.Context, family store.Family, id string) error {
	return s.Apply(ctx, store.Batch{Deletes: []store.Key{{Family: family, ID: id}}})
}

func (s *Store) Apply(ctx context.Context, batch store.Batch) error {
	if batch.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, entry := range batch.Puts {
		remote := 0
		if entry.Remote {
			remote = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cache_entries (family, id, version, state, remote, updated_at, body)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (family, id) DO UPDATE SET
				version = excluded.version,
				state = excluded.state,
				remote = excluded.remote,
				updated_at = excluded.updated_at,
				body = excluded.body
		`, string(entry.Family), entry.ID, entry.Version, string(entry.State), remote,
			entry.UpdatedAt.UTC().Format(time.RFC3339Nano), []byte(entry.Body))
		if err != nil {
			return fmt.Errorf("put %s/%s: %w", entry.Family, entry.ID, err)
		}
	}

	for _, key := range batch.Deletes {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM cache_entries WHERE family = ? AND id = ?
		`, string(key.Family), key.ID); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (store.Entry, error) {
	var (
		entry     store.Entry
		family    string
		state     string
		remote    int
		updatedAt string
		body      []byte
	)
	if err := row.Scan(&family, &entry.ID, &entry.Version, &state, &remote, &updatedAt, &body); err != nil {
		return store.Entry{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return store.Entry{}, fmt.Errorf("parse updated_at for %s/%s: %w", family, entry.ID, err)
	}
	entry.Family = store.Family(family)
	entry.State = domain.SyncState(state)
	entry.Remote = remote == 1
	entry.UpdatedAt = parsed
	entry.Body = body
	return entry, nil
}
