// Package redishash keeps remote documents in Redis, one hash per record
// family with the record id as field.
package redishash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	redis "github.com/redis/go-redis/v9"

	"tokosync/backend/internal/remote"
	"tokosync/backend/internal/store"
)

// updateScript replaces a field only when it already exists, so an update
// never resurrects a document another device deleted.
var updateScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

type Store struct {
	client *redis.Client
	prefix string
}

func New(ctx context.Context, addr string, password string, db int, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if prefix == "" {
		prefix = "tokosync"
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(family store.Family) string {
	return s.prefix + ":" + string(family)
}

func (s *Store) Create(ctx context.Context, family store.Family, doc remote.Document) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", remote.Rejected("create", err)
	}
	if err := s.client.HSet(ctx, s.key(family), doc.ID, payload).Err(); err != nil {
		return "", classify("create", err)
	}
	return doc.ID, nil
}

func (s *Store) Update(ctx context.Context, family store.Family, id string, doc remote.Document) error {
	doc.ID = id
	payload, err := json.Marshal(doc)
	if err != nil {
		return remote.Rejected("update", err)
	}
	replaced, err := updateScript.Run(ctx, s.client, []string{s.key(family)}, id, payload).Int()
	if err != nil {
		return classify("update", err)
	}
	if replaced == 0 {
		return remote.Rejected("update", fmt.Errorf("%s/%s does not exist", family, id))
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, family store.Family, id string) error {
	if err := s.client.HDel(ctx, s.key(family), id).Err(); err != nil {
		return classify("delete", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, family store.Family) ([]remote.Document, error) {
	fields, err := s.client.HGetAll(ctx, s.key(family)).Result()
	if err != nil {
		return nil, classify("list", err)
	}

	docs := make([]remote.Document, 0, len(fields))
	for id, val := range fields {
		var doc remote.Document
		if err := json.Unmarshal([]byte(val), &doc); err != nil {
			return nil, remote.Rejected("list", fmt.Errorf("decode %s/%s: %w", family, id, err))
		}
		doc.ID = id
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// classify rejects error replies from the server; everything else is a
// transport problem.
func classify(op string, err error) error {
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return remote.Rejected(op, err)
	}
	return remote.Classify(op, err)
}
