// Package postgres keeps remote documents in a single JSONB table keyed by
// (family, id).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokosync/backend/internal/remote"
	"tokosync/backend/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_documents (
	family     TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	version    BIGINT      NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	body       JSONB       NOT NULL,
	PRIMARY KEY (family, id)
)`

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sync_documents: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, family store.Family, doc remote.Document) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_documents (family, id, version, updated_at, body)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (family, id)
		DO UPDATE SET version = EXCLUDED.version, updated_at = EXCLUDED.updated_at, body = EXCLUDED.body
	`, string(family), doc.ID, doc.Version, doc.UpdatedAt.UTC(), bodyOf(doc))
	if err != nil {
		return "", classify("create", err)
	}
	return doc.ID, nil
}

func (s *Store) Update(ctx context.Context, family store.Family, id string, doc remote.Document) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_documents
		SET version = $3, updated_at = $4, body = $5::jsonb
		WHERE family = $1 AND id = $2
	`, string(family), id, doc.Version, doc.UpdatedAt.UTC(), bodyOf(doc))
	if err != nil {
		return classify("update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("update", err)
	}
	if affected == 0 {
		return remote.Rejected("update", fmt.Errorf("%s/%s does not exist", family, id))
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, family store.Family, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_documents WHERE family = $1 AND id = $2`, string(family), id); err != nil {
		return classify("delete", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, family store.Family) ([]remote.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, updated_at, body
		FROM sync_documents
		WHERE family = $1
		ORDER BY id
	`, string(family))
	if err != nil {
		return nil, classify("list", err)
	}
	defer rows.Close()

	docs := make([]remote.Document, 0, 64)
	for rows.Next() {
		var (
			doc  remote.Document
			body []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Version, &doc.UpdatedAt, &body); err != nil {
			return nil, classify("list", err)
		}
		doc.UpdatedAt = doc.UpdatedAt.UTC()
		doc.Body = body
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", err)
	}
	return docs, nil
}

func bodyOf(doc remote.Document) string {
	if len(doc.Body) == 0 {
		return "{}"
	}
	return string(doc.Body)
}

// classify rejects statement-level errors. Connection exceptions (class 08),
// admin shutdown (57P) and serialization failures (40001) are worth retrying.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P") || pgErr.Code == "40001" {
			return remote.Network(op, err)
		}
		return remote.Rejected(op, err)
	}
	return remote.Classify(op, err)
}
