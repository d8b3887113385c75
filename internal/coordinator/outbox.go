package coordinator

import (
	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/store"
)

// cancelUnsent removes key from queued operations that have not been
// attempted yet, so a record created offline and deleted before it ever
// left the device causes no remote call. It reports false when a queued
// write for key may already have reached the remote store; the caller then
// queues a remote delete instead. Must be called from a commit fill.
func (c *Coordinator) cancelUnsent(tx *txn, key store.Key) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var touching []*Operation
	for _, op := range c.queue {
		if !op.Touches(key) {
			continue
		}
		if op.ID == c.inflight || op.Attempts > 0 {
			return false, nil
		}
		touching = append(touching, op)
	}

	now := c.cfg.Now()
	stripped := make([]*Operation, 0, len(touching))
	for _, op := range touching {
		next := op.without(key)
		next.UpdatedAt = now
		if len(next.Writes) == 0 {
			tx.batch.Delete(opKey(op.ID))
		} else {
			entry, err := encodeOperation(next)
			if err != nil {
				return false, err
			}
			tx.batch.Put(entry)
		}
		stripped = append(stripped, next)
	}

	tx.onCommit(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, op := range touching {
			next := stripped[i]
			if len(next.Writes) == 0 {
				c.finishLocked(op, domain.OpSynced, nil)
				continue
			}
			op.Writes = next.Writes
			op.Undo = next.Undo
			op.UpdatedAt = next.UpdatedAt
		}
	})
	return true, nil
}
