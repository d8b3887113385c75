// Package ledger turns sale lifecycle events into per-product stock deltas
// and commits them against the local cache. A delta is applied in full or
// not at all; no product ever ends up with negative stock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/store"
)

// Delta maps product id to a signed stock change.
type Delta map[string]int

func (d Delta) add(productID string, qty int) {
	if qty == 0 {
		return
	}
	d[productID] += qty
	if d[productID] == 0 {
		delete(d, productID)
	}
}

// Inverse returns the delta that undoes d.
func (d Delta) Inverse() Delta {
	inv := make(Delta, len(d))
	for id, qty := range d {
		inv[id] = -qty
	}
	return inv
}

// ProductIDs returns the touched product ids in sorted order.
func (d Delta) ProductIDs() []string {
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SaleCreated decrements stock by every sold quantity.
func SaleCreated(items []domain.SaleItem) Delta {
	delta := make(Delta, len(items))
	for _, item := range items {
		delta.add(item.ProductID, -item.Quantity)
	}
	return delta
}

// SaleDeleted gives back only what was sold and not yet returned.
func SaleDeleted(items []domain.SaleItem, returns []domain.Return) Delta {
	delta := make(Delta, len(items))
	returned := returnedQty(returns)
	for _, item := range items {
		delta.add(item.ProductID, item.Quantity)
	}
	for productID, qty := range returned {
		delta.add(productID, -qty)
	}
	return delta
}

// SaleUpdated nets the restock of the old items against the decrement of
// the new items into one delta per product. Returns already processed stay
// restocked, so they cancel out of both sides.
func SaleUpdated(oldItems []domain.SaleItem, newItems []domain.SaleItem) Delta {
	delta := make(Delta, len(oldItems)+len(newItems))
	for _, item := range oldItems {
		delta.add(item.ProductID, item.Quantity)
	}
	for _, item := range newItems {
		delta.add(item.ProductID, -item.Quantity)
	}
	return delta
}

// Returned restocks qty of a product sold on a sale, failing with
// ErrOverReturn beyond the outstanding quantity.
func Returned(items []domain.SaleItem, returns []domain.Return, productID string, qty int) (Delta, error) {
	if qty < 1 {
		return nil, fmt.Errorf("%w: return quantity %d", store.ErrInvalidInput, qty)
	}
	sold := 0
	for _, item := range items {
		if item.ProductID == productID {
			sold += item.Quantity
		}
	}
	if sold == 0 {
		return nil, fmt.Errorf("%w: product %s is not on this sale", store.ErrInvalidInput, productID)
	}
	outstanding := sold - returnedQty(returns)[productID]
	if qty > outstanding {
		return nil, fmt.Errorf("%w: requested %d, outstanding %d", store.ErrOverReturn, qty, outstanding)
	}
	return Delta{productID: qty}, nil
}

func returnedQty(returns []domain.Return) map[string]int {
	returned := make(map[string]int, len(returns))
	for _, ret := range returns {
		returned[ret.ProductID] += ret.Quantity
	}
	return returned
}

type Ledger struct {
	cache store.Cache
	now   func() time.Time
}

func New(cache store.Cache, now func() time.Time) *Ledger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{cache: cache, now: now}
}

// Apply loads every product in delta, rejects the whole change with
// ErrInsufficientStock if any would go negative, then commits the updated
// products together with batch in a single atomic cache write. Positive
// deltas for products that no longer exist are dropped; negative ones fail
// with ErrInvalidInput. The caller must hold the product locks.
func (l *Ledger) Apply(ctx context.Context, delta Delta, batch store.Batch) ([]domain.Product, error) {
	changes, err := l.Plan(ctx, delta)
	if err != nil {
		return nil, err
	}

	updated := make([]domain.Product, 0, len(changes))
	for _, change := range changes {
		entry, err := store.ProductEntry(change.Product, domain.SyncPendingLocal, change.Remote)
		if err != nil {
			return nil, err
		}
		batch.Put(entry)
		product := change.Product
		product.SyncState = domain.SyncPendingLocal
		updated = append(updated, product)
	}

	if err := l.cache.Apply(ctx, batch); err != nil {
		return nil, fmt.Errorf("commit stock change: %w", err)
	}
	return updated, nil
}

// Change is a product after a delta, with its remote-known flag carried over.
type Change struct {
	Product domain.Product
	Remote  bool
}

// Plan computes the post-delta products without writing anything.
func (l *Ledger) Plan(ctx context.Context, delta Delta) ([]Change, error) {
	now := l.now()
	changes := make([]Change, 0, len(delta))

	for _, productID := range delta.ProductIDs() {
		qty := delta[productID]
		entry, err := l.cache.Get(ctx, store.Products, productID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !entry.Live()) {
			if qty > 0 {
				continue
			}
			return nil, fmt.Errorf("%w: product %s does not exist", store.ErrInvalidInput, productID)
		}
		if err != nil {
			return nil, err
		}

		product, err := store.DecodeProduct(entry)
		if err != nil {
			return nil, err
		}
		if product.Stock+qty < 0 {
			return nil, fmt.Errorf("%w: %s has %d, needs %d", store.ErrInsufficientStock, product.Name, product.Stock, -qty)
		}
		product.Stock += qty
		product.Version++
		product.UpdatedAt = now
		changes = append(changes, Change{Product: product, Remote: entry.Remote})
	}

	return changes, nil
}

// Compensate applies delta while clamping each product at zero, for undoing
// a change the remote store rejected. It returns the ids whose stock had to
// be clamped because it was consumed in the meantime.
func (l *Ledger) Compensate(ctx context.Context, delta Delta, batch store.Batch) ([]domain.Product, []string, error) {
	now := l.now()
	var (
		updated []domain.Product
		clamped []string
	)

	for _, productID := range delta.ProductIDs() {
		entry, err := l.cache.Get(ctx, store.Products, productID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !entry.Live()) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		product, err := store.DecodeProduct(entry)
		if err != nil {
			return nil, nil, err
		}

		product.Stock += delta[productID]
		if product.Stock < 0 {
			product.Stock = 0
			clamped = append(clamped, productID)
		}
		product.Version++
		product.UpdatedAt = now

		putEntry, err := store.ProductEntry(product, domain.SyncPendingLocal, entry.Remote)
		if err != nil {
			return nil, nil, err
		}
		batch.Put(putEntry)
		product.SyncState = domain.SyncPendingLocal
		updated = append(updated, product)
	}

	if err := l.cache.Apply(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("commit compensation: %w", err)
	}
	return updated, clamped, nil
}
