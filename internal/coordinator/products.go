package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/store"
	"tokosync/backend/internal/xid"
)

func (c *Coordinator) AddProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.ProductResponse, error) {
	name := strings.TrimSpace(req.Name)
	barcode := strings.TrimSpace(req.Barcode)
	if err := validateProduct(name, req.UnitPrice, req.Stock); err != nil {
		return domain.ProductResponse{}, err
	}

	var keys []string
	if barcode != "" {
		keys = append(keys, barcodeKey(barcode))
	}
	unlock := c.locks.lock(keys...)
	defer unlock()

	if err := c.checkBarcode(ctx, barcode, ""); err != nil {
		return domain.ProductResponse{}, err
	}

	now := c.cfg.Now()
	product := domain.Product{
		ID:        xid.New(),
		Name:      name,
		UnitPrice: req.UnitPrice,
		Stock:     req.Stock,
		Category:  strings.TrimSpace(req.Category),
		Barcode:   barcode,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	entry, err := store.ProductEntry(product, domain.SyncPendingLocal, false)
	if err != nil {
		return domain.ProductResponse{}, err
	}

	op := c.newOperation(OpAddProduct)
	op.Writes = []Write{{Family: store.Products, ID: product.ID, Kind: WriteUpsert}}
	op.Undo.Remove = []store.Key{entry.Key()}

	if _, err := c.commit(ctx, op, nil, func(tx *txn) error {
		tx.batch.Put(entry)
		return nil
	}); err != nil {
		return domain.ProductResponse{}, fmt.Errorf("add product: %w", err)
	}

	c.log.Info("product added", zap.String("product_id", product.ID), zap.String("operation_id", op.ID))
	product.SyncState = domain.SyncPendingLocal
	return domain.ProductResponse{Product: product, OperationID: op.ID}, nil
}

func (c *Coordinator) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.ProductResponse, error) {
	if req.Name == nil && req.UnitPrice == nil && req.Stock == nil && req.Category == nil && req.Barcode == nil {
		return domain.ProductResponse{}, fmt.Errorf("%w: nothing to update", store.ErrInvalidInput)
	}

	keys := []string{productKey(id)}
	var barcode string
	if req.Barcode != nil {
		barcode = strings.TrimSpace(*req.Barcode)
		if barcode != "" {
			keys = append(keys, barcodeKey(barcode))
		}
	}
	unlock := c.locks.lock(keys...)
	defer unlock()

	entry, err := c.liveEntry(ctx, store.Products, id)
	if err != nil {
		return domain.ProductResponse{}, err
	}
	product, err := store.DecodeProduct(entry)
	if err != nil {
		return domain.ProductResponse{}, err
	}

	if req.Name != nil {
		product.Name = strings.TrimSpace(*req.Name)
	}
	if req.UnitPrice != nil {
		product.UnitPrice = *req.UnitPrice
	}
	if req.Stock != nil {
		product.Stock = *req.Stock
	}
	if req.Category != nil {
		product.Category = strings.TrimSpace(*req.Category)
	}
	if err := validateProduct(product.Name, product.UnitPrice, product.Stock); err != nil {
		return domain.ProductResponse{}, err
	}
	if req.Barcode != nil && barcode != product.Barcode {
		if err := c.checkBarcode(ctx, barcode, id); err != nil {
			return domain.ProductResponse{}, err
		}
		product.Barcode = barcode
	}

	product.Version++
	product.UpdatedAt = c.cfg.Now()
	next, err := store.ProductEntry(product, domain.SyncPendingLocal, entry.Remote)
	if err != nil {
		return domain.ProductResponse{}, err
	}

	op := c.newOperation(OpUpdateProduct)
	op.Writes = []Write{{Family: store.Products, ID: id, Kind: WriteUpsert}}
	op.Undo.Restore = []store.Entry{entry}

	if _, err := c.commit(ctx, op, nil, func(tx *txn) error {
		tx.batch.Put(next)
		return nil
	}); err != nil {
		return domain.ProductResponse{}, fmt.Errorf("update product: %w", err)
	}

	product.SyncState = domain.SyncPendingLocal
	return domain.ProductResponse{Product: product, OperationID: op.ID}, nil
}

// DeleteProduct tombstones a product until the remote store confirms the
// delete. Sales keep their item snapshots.
func (c *Coordinator) DeleteProduct(ctx context.Context, id string) (domain.DeleteResponse, error) {
	unlock := c.locks.lock(productKey(id))
	defer unlock()

	entry, err := c.liveEntry(ctx, store.Products, id)
	if err != nil {
		return domain.DeleteResponse{}, err
	}

	op := c.newOperation(OpDeleteProduct)
	if _, err := c.commit(ctx, op, nil, func(tx *txn) error {
		return c.stageDelete(tx, op, entry)
	}); err != nil {
		return domain.DeleteResponse{}, fmt.Errorf("delete product: %w", err)
	}

	c.log.Info("product deleted", zap.String("product_id", id), zap.Bool("remote_call", len(op.Writes) > 0))
	resp := domain.DeleteResponse{ID: id}
	if len(op.Writes) > 0 {
		resp.OperationID = op.ID
	}
	return resp, nil
}

// stageDelete drops a never-sent record outright, or tombstones it and
// queues a remote delete.
func (c *Coordinator) stageDelete(tx *txn, op *Operation, entry store.Entry) error {
	if !entry.Remote {
		cancelled, err := c.cancelUnsent(tx, entry.Key())
		if err != nil {
			return err
		}
		if cancelled {
			// The record never reached the remote store and the ops that
			// created it were stripped, so reverting this one restores nothing.
			tx.batch.Delete(entry.Key())
			op.Undo = Undo{}
			return nil
		}
	}

	tomb := entry
	tomb.State = domain.SyncDeletedPending
	tomb.UpdatedAt = c.cfg.Now()
	tx.batch.Put(tomb)
	op.Writes = append(op.Writes, Write{Family: entry.Family, ID: entry.ID, Kind: WriteDelete})
	op.Undo.Restore = append(op.Undo.Restore, entry)
	return nil
}

func (c *Coordinator) checkBarcode(ctx context.Context, barcode string, selfID string) error {
	if barcode == "" {
		return nil
	}
	entries, err := c.cache.GetAll(ctx, store.Products)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Live() || e.ID == selfID {
			continue
		}
		p, err := store.DecodeProduct(e)
		if err != nil {
			return err
		}
		if p.Barcode == barcode {
			return fmt.Errorf("%w: barcode %s already belongs to %s", store.ErrInvalidInput, barcode, p.Name)
		}
	}
	return nil
}

func validateProduct(name string, price decimal.Decimal, stock int) error {
	if name == "" {
		return fmt.Errorf("%w: product name is required", store.ErrInvalidInput)
	}
	if price.IsNegative() {
		return fmt.Errorf("%w: unit price must not be negative", store.ErrInvalidInput)
	}
	if stock < 0 {
		return fmt.Errorf("%w: stock must not be negative", store.ErrInvalidInput)
	}
	return nil
}
