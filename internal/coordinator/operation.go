package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/ledger"
	"tokosync/backend/internal/store"
)

type OpKind string

const (
	OpAddProduct    OpKind = "add_product"
	OpUpdateProduct OpKind = "update_product"
	OpDeleteProduct OpKind = "delete_product"
	OpAddSale       OpKind = "add_sale"
	OpUpdateSale    OpKind = "update_sale"
	OpDeleteSale    OpKind = "delete_sale"
	OpReturnProduct OpKind = "return_product"
	OpRepair        OpKind = "repair"
)

type WriteKind string

const (
	WriteUpsert WriteKind = "upsert"
	WriteDelete WriteKind = "delete"
)

// Write pushes the current local state of one record. The body is read at
// send time, so a write can be retried any number of times.
type Write struct {
	Family store.Family `json:"family"`
	ID     string       `json:"id"`
	Kind   WriteKind    `json:"kind"`
}

func (w Write) Key() store.Key {
	return store.Key{Family: w.Family, ID: w.ID}
}

// Undo describes how to revert an operation locally: restore the prior
// entries, remove the records it created, then apply the stock delta.
type Undo struct {
	Stock   ledger.Delta  `json:"stock,omitempty"`
	Restore []store.Entry `json:"restore,omitempty"`
	Remove  []store.Key   `json:"remove,omitempty"`
}

type Operation struct {
	ID        string                `json:"id"`
	Seq       int64                 `json:"seq"`
	Kind      OpKind                `json:"kind"`
	State     domain.OperationState `json:"state"`
	Writes    []Write               `json:"writes"`
	Undo      Undo                  `json:"undo"`
	Attempts  int                   `json:"attempts"`
	LastError string                `json:"last_error,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Touches reports whether any write of op targets key.
func (op *Operation) Touches(key store.Key) bool {
	for _, w := range op.Writes {
		if w.Key() == key {
			return true
		}
	}
	return false
}

// Keys lists every record the operation writes or would revert.
func (op *Operation) Keys() []store.Key {
	seen := make(map[store.Key]struct{})
	var keys []store.Key
	add := func(key store.Key) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for _, w := range op.Writes {
		add(w.Key())
	}
	for _, e := range op.Undo.Restore {
		add(e.Key())
	}
	for _, key := range op.Undo.Remove {
		add(key)
	}
	for _, id := range op.Undo.Stock.ProductIDs() {
		add(store.Key{Family: store.Products, ID: id})
	}
	return keys
}

// without returns a copy of op that no longer writes or reverts key. Every
// stock movement on a sale operation belongs to that sale, so stripping a
// sale also drops the stock undo.
func (op *Operation) without(key store.Key) *Operation {
	out := *op
	if key.Family == store.Sales {
		out.Undo.Stock = nil
	}
	out.Writes = nil
	for _, w := range op.Writes {
		if w.Key() != key {
			out.Writes = append(out.Writes, w)
		}
	}
	out.Undo.Restore = nil
	for _, e := range op.Undo.Restore {
		if e.Key() != key {
			out.Undo.Restore = append(out.Undo.Restore, e)
		}
	}
	out.Undo.Remove = nil
	for _, k := range op.Undo.Remove {
		if k != key {
			out.Undo.Remove = append(out.Undo.Remove, k)
		}
	}
	return &out
}

func opKey(id string) store.Key {
	return store.Key{Family: store.Operations, ID: id}
}

func encodeOperation(op *Operation) (store.Entry, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return store.Entry{}, fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	return store.Entry{
		Family:    store.Operations,
		ID:        op.ID,
		Version:   op.Seq,
		State:     domain.SyncPendingLocal,
		UpdatedAt: op.UpdatedAt,
		Body:      body,
	}, nil
}

func decodeOperation(e store.Entry) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(e.Body, &op); err != nil {
		return nil, fmt.Errorf("decode operation %s: %w", e.ID, err)
	}
	return &op, nil
}

const countersID = "counters"

type counters struct {
	OpSeq      int64 `json:"op_seq"`
	InvoiceSeq int64 `json:"invoice_seq"`
}

func encodeCounters(c counters, at time.Time) (store.Entry, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return store.Entry{}, fmt.Errorf("encode counters: %w", err)
	}
	return store.Entry{
		Family:    store.Meta,
		ID:        countersID,
		Version:   c.OpSeq,
		State:     domain.SyncSynced,
		UpdatedAt: at,
		Body:      body,
	}, nil
}

func decodeCounters(e store.Entry) (counters, error) {
	var c counters
	if err := json.Unmarshal(e.Body, &c); err != nil {
		return counters{}, fmt.Errorf("decode counters: %w", err)
	}
	return c, nil
}

func invoiceNumber(prefix string, seq int64) string {
	return fmt.Sprintf("%s-%06d", prefix, seq)
}
