package mongodb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"tokosync/backend/internal/remote"
	"tokosync/backend/internal/store"
)

func TestCreateUpdateListDelete(t *testing.T) {
	uri := os.Getenv("TOKOSYNC_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("set TOKOSYNC_TEST_MONGO_URI to run mongo integration test")
	}

	ctx := context.Background()
	dbName := fmt.Sprintf("tokosync_it_%d", time.Now().UnixNano())
	s, err := New(ctx, uri, dbName)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.db.Drop(context.Background())
		_ = s.Close()
	})

	doc := remote.Document{ID: "p-it-1", Version: 1, UpdatedAt: time.Now().UTC(), Body: []byte(`{"id":"p-it-1","name":"Kopi","unit_price":"12000.5","stock":7}`)}
	for i := 0; i < 2; i++ {
		if _, err := s.Create(ctx, store.Products, doc); err != nil {
			t.Fatalf("create #%d: %v", i, err)
		}
	}

	doc.Version = 2
	doc.Body = []byte(`{"id":"p-it-1","name":"Kopi","unit_price":"12000.5","stock":5}`)
	if err := s.Update(ctx, store.Products, doc.ID, doc); err != nil {
		t.Fatalf("update: %v", err)
	}

	docs, err := s.List(ctx, store.Products)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs[0].Version != 2 {
		t.Fatalf("unexpected documents: %+v", docs)
	}
	var body struct {
		UnitPrice string `json:"unit_price"`
		Stock     int    `json:"stock"`
	}
	if err := json.Unmarshal(docs[0].Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.UnitPrice != "12000.5" || body.Stock != 5 {
		t.Fatalf("body did not round-trip: %s", docs[0].Body)
	}

	if err := s.Delete(ctx, store.Products, doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, store.Products, doc.ID); err != nil {
		t.Fatalf("second delete should succeed: %v", err)
	}
}
