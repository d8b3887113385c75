// Package mongodb stores remote documents in MongoDB, one collection per
// record family with the record id as _id.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tokosync/backend/internal/remote"
	"tokosync/backend/internal/store"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// record is the stored shape. The JSON body is kept as a sub-document so it
// stays queryable from the mongo shell.
type record struct {
	ID        string    `bson:"_id"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
	Body      bson.D    `bson:"body"`
}

func New(ctx context.Context, uri string, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &Store{client: client, db: client.Database(dbName)}, nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) collection(family store.Family) *mongo.Collection {
	return s.db.Collection(string(family))
}

// Create upserts so that a retried create after a lost acknowledgement
// lands on the same document.
func (s *Store) Create(ctx context.Context, family store.Family, doc remote.Document) (string, error) {
	rec, err := toRecord(doc)
	if err != nil {
		return "", remote.Rejected("create", err)
	}
	_, err = s.collection(family).ReplaceOne(ctx, bson.D{{Key: "_id", Value: rec.ID}}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return "", classify("create", err)
	}
	return rec.ID, nil
}

func (s *Store) Update(ctx context.Context, family store.Family, id string, doc remote.Document) error {
	doc.ID = id
	rec, err := toRecord(doc)
	if err != nil {
		return remote.Rejected("update", err)
	}
	res, err := s.collection(family).ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, rec)
	if err != nil {
		return classify("update", err)
	}
	if res.MatchedCount == 0 {
		return remote.Rejected("update", fmt.Errorf("%s/%s does not exist", family, id))
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, family store.Family, id string) error {
	if _, err := s.collection(family).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return classify("delete", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, family store.Family) ([]remote.Document, error) {
	cursor, err := s.collection(family).Find(ctx, bson.D{})
	if err != nil {
		return nil, classify("list", err)
	}
	var records []record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, classify("list", err)
	}

	docs := make([]remote.Document, 0, len(records))
	for _, rec := range records {
		doc, err := fromRecord(rec)
		if err != nil {
			return nil, remote.Rejected("list", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func toRecord(doc remote.Document) (record, error) {
	body := bson.D{}
	if len(doc.Body) > 0 {
		if err := bson.UnmarshalExtJSON(doc.Body, false, &body); err != nil {
			return record{}, fmt.Errorf("convert body of %s: %w", doc.ID, err)
		}
	}
	return record{ID: doc.ID, Version: doc.Version, UpdatedAt: doc.UpdatedAt.UTC(), Body: body}, nil
}

func fromRecord(rec record) (remote.Document, error) {
	body, err := bson.MarshalExtJSON(rec.Body, false, false)
	if err != nil {
		return remote.Document{}, fmt.Errorf("convert body of %s: %w", rec.ID, err)
	}
	return remote.Document{ID: rec.ID, Version: rec.Version, UpdatedAt: rec.UpdatedAt.UTC(), Body: body}, nil
}

func classify(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return remote.Network(op, err)
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		return remote.Rejected(op, err)
	}
	return remote.Classify(op, err)
}
