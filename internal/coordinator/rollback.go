package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/store"
)

// reject reverts a rejected operation locally. Later queued operations that
// touch any of the same records are reverted with it, newest first, so each
// undo sees exactly the state its operation produced. A repair operation
// then pushes the restored records, since earlier writes of the rejected
// operation may already have landed remotely.
func (c *Coordinator) reject(ctx context.Context, head Operation, cause error) {
	c.log.Warn("operation rejected by remote store",
		zap.String("operation_id", head.ID),
		zap.String("kind", string(head.Kind)),
		zap.Error(cause),
	)

	if head.Kind == OpRepair {
		if err := c.cache.Delete(ctx, store.Operations, head.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			c.log.Error("drop rejected repair", zap.String("operation_id", head.ID), zap.Error(err))
		}
		c.fail([]Operation{head}, head.ID, cause)
		return
	}

	var (
		cascade []Operation
		unlock  func()
	)
	for {
		c.mu.Lock()
		cascade = c.cascadeLocked(head.ID)
		c.mu.Unlock()

		unlock = c.locks.lock(keyStrings(cascadeKeys(cascade))...)
		c.mu.Lock()
		again := c.cascadeLocked(head.ID)
		c.mu.Unlock()
		if sameOperations(cascade, again) {
			cascade = again
			break
		}
		unlock()
	}
	defer unlock()

	if len(cascade) == 0 {
		cascade = []Operation{head}
	}
	for i := len(cascade) - 1; i >= 0; i-- {
		if err := c.revert(ctx, cascade[i]); err != nil {
			c.log.Error("revert operation", zap.String("operation_id", cascade[i].ID), zap.Error(err))
		}
	}

	if err := c.repair(ctx, cascadeKeys(cascade)); err != nil {
		c.log.Error("queue repair", zap.String("operation_id", head.ID), zap.Error(err))
	}
	c.fail(cascade, head.ID, cause)
}

// cascadeLocked returns copies of the queued operations from headID on that
// share a record with it, transitively, in sequence order.
func (c *Coordinator) cascadeLocked(headID string) []Operation {
	start := -1
	for i, op := range c.queue {
		if op.ID == headID {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	touched := make(map[store.Key]struct{})
	for _, key := range c.queue[start].Keys() {
		touched[key] = struct{}{}
	}
	out := []Operation{*c.queue[start]}
	for _, op := range c.queue[start+1:] {
		keys := op.Keys()
		hit := false
		for _, key := range keys {
			if _, ok := touched[key]; ok {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		for _, key := range keys {
			touched[key] = struct{}{}
		}
		out = append(out, *op)
	}
	return out
}

func cascadeKeys(ops []Operation) []store.Key {
	seen := make(map[store.Key]struct{})
	var keys []store.Key
	for i := range ops {
		for _, key := range ops[i].Keys() {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return keys
}

func sameOperations(a []Operation, b []Operation) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

// revert undoes one operation and drops it from the outbox in one batch.
func (c *Coordinator) revert(ctx context.Context, op Operation) error {
	var batch store.Batch
	batch.Delete(opKey(op.ID))
	for _, snap := range op.Undo.Restore {
		entry, err := c.restored(ctx, snap)
		if err != nil {
			return err
		}
		batch.Put(entry)
	}
	batch.Delete(op.Undo.Remove...)

	_, clamped, err := c.ledger.Compensate(ctx, op.Undo.Stock, batch)
	if err != nil {
		return err
	}
	if len(clamped) > 0 {
		c.log.Warn("stock clamped at zero while reverting",
			zap.String("operation_id", op.ID),
			zap.Strings("product_ids", clamped),
		)
	}
	return nil
}

// restored re-encodes a snapshot with a version above anything the record
// has carried, so the restored state wins last-write-wins comparisons.
func (c *Coordinator) restored(ctx context.Context, snap store.Entry) (store.Entry, error) {
	version := snap.Version
	remoteKnown := snap.Remote
	current, err := c.cache.Get(ctx, snap.Family, snap.ID)
	switch {
	case err == nil:
		if current.Version > version {
			version = current.Version
		}
		remoteKnown = remoteKnown || current.Remote
	case errors.Is(err, store.ErrNotFound):
	default:
		return store.Entry{}, err
	}
	version++
	now := c.cfg.Now()

	switch snap.Family {
	case store.Products:
		product, err := store.DecodeProduct(snap)
		if err != nil {
			return store.Entry{}, err
		}
		product.Version = version
		product.UpdatedAt = now
		return store.ProductEntry(product, domain.SyncPendingLocal, remoteKnown)
	case store.Sales:
		sale, err := store.DecodeSale(snap)
		if err != nil {
			return store.Entry{}, err
		}
		sale.Version = version
		sale.UpdatedAt = now
		return store.SaleEntry(sale, domain.SyncPendingLocal, remoteKnown)
	default:
		return store.Entry{}, fmt.Errorf("%w: cannot restore %s", store.ErrInvalidInput, snap.Key())
	}
}

// repair queues writes that bring the remote copies of keys in line with
// the local state after a revert.
func (c *Coordinator) repair(ctx context.Context, keys []store.Key) error {
	op := c.newOperation(OpRepair)
	for _, key := range keys {
		if key.Family != store.Products && key.Family != store.Sales {
			continue
		}
		entry, err := c.cache.Get(ctx, key.Family, key.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			op.Writes = append(op.Writes, Write{Family: key.Family, ID: key.ID, Kind: WriteDelete})
		case err != nil:
			return err
		case entry.Live():
			op.Writes = append(op.Writes, Write{Family: key.Family, ID: key.ID, Kind: WriteUpsert})
		default:
			op.Writes = append(op.Writes, Write{Family: key.Family, ID: key.ID, Kind: WriteDelete})
		}
	}
	if len(op.Writes) == 0 {
		return nil
	}
	if _, err := c.commit(ctx, op, nil, nil); err != nil {
		return err
	}
	c.log.Info("repair queued", zap.String("operation_id", op.ID), zap.Int("writes", len(op.Writes)))
	return nil
}

// fail marks ops remote_failed and reports each one to the failure hook.
func (c *Coordinator) fail(ops []Operation, headID string, cause error) {
	failed := make([]Operation, 0, len(ops))
	errs := make([]error, 0, len(ops))

	c.mu.Lock()
	for i := range ops {
		live, ok := c.ops[ops[i].ID]
		if !ok || live.State.Terminal() {
			continue
		}
		err := cause
		if live.ID != headID {
			err = fmt.Errorf("%w: reverted together with %s", store.ErrRemoteRejected, headID)
		}
		c.finishLocked(live, domain.OpRemoteFailed, err)
		failed = append(failed, *live)
		errs = append(errs, err)
	}
	c.mu.Unlock()

	if c.cfg.OnFailure == nil {
		return
	}
	for i := range failed {
		c.cfg.OnFailure(failed[i], errs[i])
	}
}
