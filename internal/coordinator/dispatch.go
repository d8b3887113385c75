package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/remote"
	"tokosync/backend/internal/store"
)

// dispatch is the only goroutine that talks to the remote store for writes.
// It sends one operation at a time in sequence order, so writes to a record
// reach the remote store in the order they were made locally.
func (c *Coordinator) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
		c.drain(ctx)
	}
}

func (c *Coordinator) drain(ctx context.Context) {
	for ctx.Err() == nil {
		op, ok := c.next()
		if !ok {
			return
		}
		if !c.deliver(ctx, op) {
			return
		}
	}
}

// next marks the head of the queue in flight. It takes the commit lock so
// that a delete cancelling unsent writes never races with the pick.
func (c *Coordinator) next() (Operation, bool) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.parked || len(c.queue) == 0 {
		return Operation{}, false
	}
	head := c.queue[0]
	c.inflight = head.ID
	return *head, true
}

// Resume lifts a parked queue and retries immediately. It is the
// connectivity-recovered signal.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	wasParked := c.parked
	c.parked = false
	c.mu.Unlock()

	if wasParked {
		c.log.Info("outbox resumed")
	}
	select {
	case c.resumed <- struct{}{}:
	default:
	}
	c.kick()
}

// deliver retries op until it is synced or rejected. It returns false when
// the queue parked or the dispatcher is stopping.
func (c *Coordinator) deliver(ctx context.Context, op Operation) bool {
	defer c.clearInflight(op.ID)

	for tries := 1; ; tries++ {
		err := c.send(ctx, op)
		if err == nil {
			if err = c.complete(ctx, op); err == nil {
				c.log.Debug("operation synced", zap.String("operation_id", op.ID), zap.String("kind", string(op.Kind)))
				return true
			}
			c.log.Error("mark operation synced", zap.String("operation_id", op.ID), zap.Error(err))
		}
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, store.ErrRemoteRejected) {
			c.reject(ctx, op, err)
			return true
		}

		c.recordAttempt(ctx, op.ID, err)
		if tries >= c.cfg.MaxAttempts {
			c.park(op, err)
			return false
		}

		// Non-network failures are local and logged louder.
		logRetry := c.log.Warn
		if remote.Transient(err) {
			logRetry = c.log.Debug
		}
		delay := c.backoff(tries)
		logRetry("remote write failed, retrying",
			zap.String("operation_id", op.ID),
			zap.Int("try", tries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-c.resumed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (c *Coordinator) backoff(tries int) time.Duration {
	delay := c.cfg.RetryBase
	for i := 1; i < tries; i++ {
		delay *= 2
		if delay >= c.cfg.RetryMax {
			return c.cfg.RetryMax
		}
	}
	return delay
}

func (c *Coordinator) send(ctx context.Context, op Operation) error {
	for _, w := range op.Writes {
		if err := c.push(ctx, w); err != nil {
			return fmt.Errorf("%s %s: %w", w.Kind, w.Key(), err)
		}
	}
	return nil
}

// push sends the record's current local body, never a copy captured when
// the operation was queued.
func (c *Coordinator) push(ctx context.Context, w Write) error {
	entry, err := c.cache.Get(ctx, w.Family, w.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: read %s: %w", store.ErrNetwork, w.Key(), err)
	}
	missing := errors.Is(err, store.ErrNotFound)

	switch w.Kind {
	case WriteDelete:
		return c.remote.Delete(ctx, w.Family, w.ID)
	case WriteUpsert:
		if missing || !entry.Live() {
			return nil
		}
		doc := remote.FromEntry(entry)
		if entry.Remote {
			return c.remote.Update(ctx, w.Family, w.ID, doc)
		}
		_, err := c.remote.Create(ctx, w.Family, doc)
		return err
	default:
		return fmt.Errorf("%w: unknown write kind %q", store.ErrRemoteRejected, w.Kind)
	}
}

// complete drops op from the outbox and marks the records it wrote as
// remote-known. A record only becomes synced when no other queued operation
// still touches it.
func (c *Coordinator) complete(ctx context.Context, op Operation) error {
	keys := writeKeys(op)
	unlock := c.locks.lock(keyStrings(keys)...)
	defer unlock()

	var batch store.Batch
	batch.Delete(opKey(op.ID))
	for _, key := range keys {
		entry, err := c.cache.Get(ctx, key.Family, key.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		others := c.queuedTouching(key, op.ID)
		if !entry.Live() {
			if !others && deletes(op, key) {
				batch.Delete(key)
			}
			continue
		}
		entry.Remote = true
		if !others {
			entry.State = domain.SyncSynced
		}
		batch.Put(entry)
	}
	if err := c.cache.Apply(ctx, batch); err != nil {
		return err
	}

	c.mu.Lock()
	c.settleGen++
	for _, key := range keys {
		c.settled[key] = c.settleGen
	}
	if live, ok := c.ops[op.ID]; ok && !live.State.Terminal() {
		c.finishLocked(live, domain.OpSynced, nil)
	}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) recordAttempt(ctx context.Context, opID string, cause error) {
	c.mu.Lock()
	live, ok := c.ops[opID]
	if !ok || live.State.Terminal() {
		c.mu.Unlock()
		return
	}
	live.Attempts++
	live.LastError = cause.Error()
	live.UpdatedAt = c.cfg.Now()
	snap := *live
	c.mu.Unlock()

	entry, err := encodeOperation(&snap)
	if err == nil {
		err = c.cache.Put(ctx, entry)
	}
	if err != nil {
		c.log.Warn("persist operation attempt", zap.String("operation_id", opID), zap.Error(err))
	}
}

func (c *Coordinator) park(op Operation, cause error) {
	c.mu.Lock()
	c.parked = true
	queued := len(c.queue)
	c.mu.Unlock()

	c.log.Warn("remote unreachable, outbox parked",
		zap.String("operation_id", op.ID),
		zap.Int("queued", queued),
		zap.Error(cause),
	)
}

func (c *Coordinator) clearInflight(opID string) {
	c.mu.Lock()
	if c.inflight == opID {
		c.inflight = ""
	}
	c.mu.Unlock()
}

func writeKeys(op Operation) []store.Key {
	seen := make(map[store.Key]struct{}, len(op.Writes))
	keys := make([]store.Key, 0, len(op.Writes))
	for _, w := range op.Writes {
		if _, ok := seen[w.Key()]; ok {
			continue
		}
		seen[w.Key()] = struct{}{}
		keys = append(keys, w.Key())
	}
	return keys
}

func keyStrings(keys []store.Key) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.String())
	}
	return out
}

func deletes(op Operation, key store.Key) bool {
	for _, w := range op.Writes {
		if w.Key() == key && w.Kind == WriteDelete {
			return true
		}
	}
	return false
}
