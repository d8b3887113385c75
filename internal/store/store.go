package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"tokosync/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOverReturn        = errors.New("return exceeds outstanding quantity")
	ErrNetwork           = errors.New("network error")
	ErrRemoteRejected    = errors.New("rejected by remote store")
)

// Family is a record namespace inside the cache and on the remote side.
type Family string

const (
	Products Family = "products"
	Sales    Family = "sales"

	// Operations holds the durable outbox and Meta holds counters. Neither
	// is replicated.
	Operations Family = "operations"
	Meta       Family = "meta"
)

// Replicated lists the families mirrored to the remote store.
var Replicated = []Family{Products, Sales}

type Key struct {
	Family Family
	ID     string
}

func (k Key) String() string {
	return string(k.Family) + "/" + k.ID
}

type Entry struct {
	Family    Family
	ID        string
	Version   int64
	State     domain.SyncState
	Remote    bool // acknowledged by the remote store at least once
	UpdatedAt time.Time
	Body      json.RawMessage
}

func (e Entry) Key() Key {
	return Key{Family: e.Family, ID: e.ID}
}

func (e Entry) Live() bool {
	return e.State != domain.SyncDeletedPending
}

// Batch is committed atomically: either every put and delete lands or none do.
type Batch struct {
	Puts    []Entry
	Deletes []Key
}

func (b *Batch) Put(entries ...Entry) {
	b.Puts = append(b.Puts, entries...)
}

func (b *Batch) Delete(keys ...Key) {
	b.Deletes = append(b.Deletes, keys...)
}

func (b Batch) Empty() bool {
	return len(b.Puts) == 0 && len(b.Deletes) == 0
}

// Cache is the durable on-device store. It is the only read source for the
// view layer and never blocks on the network.
type Cache interface {
	Put(ctx context.Context, entry Entry) error
	Get(ctx context.Context, family Family, id string) (Entry, error)
	GetAll(ctx context.Context, family Family) ([]Entry, error)
	Delete(ctx context.Context, family Family, id string) error
	Apply(ctx context.Context, batch Batch) error
	Close() error
}
