package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/remote"
	"tokosync/backend/internal/store"
)

type mergeStats struct {
	pulled  int
	skipped int
	dropped int
}

// RefreshData resumes the outbox, then pulls every replicated family and
// merges it into the cache by last-write-wins on (version, updated_at).
// Records with queued local changes and tombstones are never overwritten.
func (c *Coordinator) RefreshData(ctx context.Context) error {
	c.loading.Add(1)
	defer func() {
		if c.loading.Add(-1) == 0 {
			c.mu.Lock()
			clear(c.settled)
			c.mu.Unlock()
		}
	}()
	c.Resume()

	c.mu.Lock()
	since := c.settleGen
	c.mu.Unlock()

	for _, family := range store.Replicated {
		docs, err := c.remote.List(ctx, family)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", family, err)
		}
		stats, err := c.reconcile(ctx, family, docs, since)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", family, err)
		}
		c.log.Info("family refreshed",
			zap.String("family", string(family)),
			zap.Int("remote", len(docs)),
			zap.Int("pulled", stats.pulled),
			zap.Int("skipped", stats.skipped),
			zap.Int("dropped", stats.dropped),
		)
	}
	return nil
}

func (c *Coordinator) reconcile(ctx context.Context, family store.Family, docs []remote.Document, since int64) (mergeStats, error) {
	var (
		stats  mergeStats
		maxSeq int64
	)
	seen := make(map[string]struct{}, len(docs))

	for _, doc := range docs {
		seen[doc.ID] = struct{}{}
		incoming, seq, err := remoteEntry(family, doc)
		if err != nil {
			c.log.Warn("skip undecodable remote document", zap.String("family", string(family)), zap.String("id", doc.ID), zap.Error(err))
			stats.skipped++
			continue
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		pulled, err := c.mergeOne(ctx, incoming, since)
		if err != nil {
			return stats, err
		}
		if pulled {
			stats.pulled++
		} else {
			stats.skipped++
		}
	}

	locals, err := c.cache.GetAll(ctx, family)
	if err != nil {
		return stats, err
	}
	for _, local := range locals {
		if _, ok := seen[local.ID]; ok || local.State != domain.SyncSynced || !local.Remote {
			continue
		}
		dropped, err := c.dropAbsent(ctx, local.Key(), since)
		if err != nil {
			return stats, err
		}
		if dropped {
			stats.dropped++
		}
	}

	if family == store.Sales {
		if err := c.raiseInvoiceCounter(ctx, maxSeq); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (c *Coordinator) mergeOne(ctx context.Context, incoming store.Entry, since int64) (bool, error) {
	key := incoming.Key()
	unlock := c.locks.lock(key.String())
	defer unlock()

	if c.settledSince(key, since) {
		return false, nil
	}

	local, err := c.cache.Get(ctx, key.Family, key.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return false, err
	case !local.Live():
		return false, nil
	case c.queuedTouching(key, ""):
		return false, nil
	case !newer(incoming, local):
		return false, nil
	}

	if err := c.cache.Put(ctx, incoming); err != nil {
		return false, err
	}
	return true, nil
}

// dropAbsent removes a synced record the remote store no longer has.
func (c *Coordinator) dropAbsent(ctx context.Context, key store.Key, since int64) (bool, error) {
	unlock := c.locks.lock(key.String())
	defer unlock()

	if c.settledSince(key, since) || c.queuedTouching(key, "") {
		return false, nil
	}
	local, err := c.cache.Get(ctx, key.Family, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if local.State != domain.SyncSynced || !local.Remote {
		return false, nil
	}
	if err := c.cache.Delete(ctx, key.Family, key.ID); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) settledSince(key store.Key, since int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled[key] > since
}

// raiseInvoiceCounter keeps locally issued invoice numbers above every
// sequence seen remotely.
func (c *Coordinator) raiseInvoiceCounter(ctx context.Context, seq int64) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	if seq <= c.counters.InvoiceSeq {
		return nil
	}
	next := c.counters
	next.InvoiceSeq = seq
	entry, err := encodeCounters(next, c.cfg.Now())
	if err != nil {
		return err
	}
	if err := c.cache.Put(ctx, entry); err != nil {
		return fmt.Errorf("persist counters: %w", err)
	}
	c.counters = next
	c.log.Info("invoice counter raised", zap.Int64("invoice_seq", seq))
	return nil
}

// remoteEntry normalizes a remote document into a synced cache entry. The
// document metadata wins over whatever the body claims.
func remoteEntry(family store.Family, doc remote.Document) (store.Entry, int64, error) {
	switch family {
	case store.Products:
		var raw store.Entry
		raw.ID, raw.Body = doc.ID, doc.Body
		product, err := store.DecodeProduct(raw)
		if err != nil {
			return store.Entry{}, 0, err
		}
		product.ID = doc.ID
		product.Version = doc.Version
		product.UpdatedAt = doc.UpdatedAt.UTC()
		entry, err := store.ProductEntry(product, domain.SyncSynced, true)
		return entry, 0, err
	case store.Sales:
		var raw store.Entry
		raw.ID, raw.Body = doc.ID, doc.Body
		sale, err := store.DecodeSale(raw)
		if err != nil {
			return store.Entry{}, 0, err
		}
		sale.ID = doc.ID
		sale.Version = doc.Version
		sale.UpdatedAt = doc.UpdatedAt.UTC()
		entry, err := store.SaleEntry(sale, domain.SyncSynced, true)
		return entry, sale.InvoiceSeq, err
	default:
		return store.Entry{}, 0, fmt.Errorf("%w: family %s is not replicated", store.ErrInvalidInput, family)
	}
}

func newer(a store.Entry, b store.Entry) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}
