package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/invoice"
	"tokosync/backend/internal/ledger"
	"tokosync/backend/internal/store"
	"tokosync/backend/internal/xid"
)

// AddSale records a sale, assigns the next invoice number and decrements
// stock for every item. Either all of it happens or none of it does.
func (c *Coordinator) AddSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleResponse, error) {
	lines, err := mergeLines(req.Items)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if !domain.IsSupportedPaymentMethod(req.PaymentMethod) {
		return domain.SaleResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidInput, req.PaymentMethod)
	}

	saleID := xid.New()
	unlock := c.locks.lock(append([]string{saleKey(saleID)}, productKeys(lineProductIDs(lines))...)...)
	defer unlock()

	items, err := c.snapshotItems(ctx, lines, nil)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	now := c.cfg.Now()
	sale := domain.Sale{
		ID:            saleID,
		Date:          now,
		Items:         items,
		Discount:      req.Discount,
		DiscountKind:  req.DiscountKind,
		TaxRate:       req.TaxRate,
		PaymentMethod: req.PaymentMethod,
		OwnerID:       c.session.UserID,
		Returns:       []domain.Return{},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Date != nil {
		sale.Date = req.Date.UTC()
	}
	if err := applyTotals(&sale); err != nil {
		return domain.SaleResponse{}, err
	}

	delta := ledger.SaleCreated(items)
	op := c.newOperation(OpAddSale)
	op.Writes = append([]Write{{Family: store.Sales, ID: saleID, Kind: WriteUpsert}}, productWrites(delta)...)
	op.Undo = Undo{Stock: delta.Inverse(), Remove: []store.Key{{Family: store.Sales, ID: saleID}}}

	if _, err := c.commit(ctx, op, delta, func(tx *txn) error {
		sale.InvoiceSeq, sale.InvoiceNumber = tx.nextInvoice()
		entry, err := store.SaleEntry(sale, domain.SyncPendingLocal, false)
		if err != nil {
			return err
		}
		tx.batch.Put(entry)
		return nil
	}); err != nil {
		return domain.SaleResponse{}, fmt.Errorf("add sale: %w", err)
	}

	c.log.Info("sale recorded",
		zap.String("sale_id", sale.ID),
		zap.String("invoice", sale.InvoiceNumber),
		zap.String("total", sale.Total.StringFixed(invoice.CurrencyPlaces)),
		zap.String("operation_id", op.ID),
	)
	sale.SyncState = domain.SyncPendingLocal
	return domain.SaleResponse{Sale: sale, OperationID: op.ID}, nil
}

// UpdateSale replaces the items and modifiers of a sale. Stock is adjusted
// by the net difference per product. The invoice number and returns stay.
func (c *Coordinator) UpdateSale(ctx context.Context, id string, req domain.SaleUpdateRequest) (domain.SaleResponse, error) {
	lines, err := mergeLines(req.Items)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if !domain.IsSupportedPaymentMethod(req.PaymentMethod) {
		return domain.SaleResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidInput, req.PaymentMethod)
	}

	unlockSale := c.locks.lock(saleKey(id))
	defer unlockSale()

	entry, err := c.liveEntry(ctx, store.Sales, id)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	sale, err := store.DecodeSale(entry)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		requested[line.ProductID] = line.Quantity
	}
	for productID, qty := range sale.ReturnedQty() {
		if requested[productID] < qty {
			return domain.SaleResponse{}, fmt.Errorf("%w: %d of %s already returned", store.ErrInvalidInput, qty, productID)
		}
	}

	ids := lineProductIDs(lines)
	for _, item := range sale.Items {
		ids = append(ids, item.ProductID)
	}
	unlockProducts := c.locks.lock(productKeys(ids)...)
	defer unlockProducts()

	items, err := c.snapshotItems(ctx, lines, sale.Items)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	oldItems := sale.Items
	sale.Items = items
	sale.Discount = req.Discount
	sale.DiscountKind = req.DiscountKind
	sale.TaxRate = req.TaxRate
	sale.PaymentMethod = req.PaymentMethod
	if req.Date != nil {
		sale.Date = req.Date.UTC()
	}
	if err := applyTotals(&sale); err != nil {
		return domain.SaleResponse{}, err
	}
	sale.Version++
	sale.UpdatedAt = c.cfg.Now()

	next, err := store.SaleEntry(sale, domain.SyncPendingLocal, entry.Remote)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	delta := ledger.SaleUpdated(oldItems, items)
	op := c.newOperation(OpUpdateSale)
	op.Writes = append([]Write{{Family: store.Sales, ID: id, Kind: WriteUpsert}}, productWrites(delta)...)
	op.Undo = Undo{Stock: delta.Inverse(), Restore: []store.Entry{entry}}

	if _, err := c.commit(ctx, op, delta, func(tx *txn) error {
		tx.batch.Put(next)
		return nil
	}); err != nil {
		return domain.SaleResponse{}, fmt.Errorf("update sale: %w", err)
	}

	sale.SyncState = domain.SyncPendingLocal
	return domain.SaleResponse{Sale: sale, OperationID: op.ID}, nil
}

// DeleteSale removes a sale and restocks whatever was not already returned.
// The invoice number is never handed out again.
func (c *Coordinator) DeleteSale(ctx context.Context, id string) (domain.DeleteResponse, error) {
	unlockSale := c.locks.lock(saleKey(id))
	defer unlockSale()

	entry, err := c.liveEntry(ctx, store.Sales, id)
	if err != nil {
		return domain.DeleteResponse{}, err
	}
	sale, err := store.DecodeSale(entry)
	if err != nil {
		return domain.DeleteResponse{}, err
	}

	delta := ledger.SaleDeleted(sale.Items, sale.Returns)
	unlockProducts := c.locks.lock(productKeys(delta.ProductIDs())...)
	defer unlockProducts()

	op := c.newOperation(OpDeleteSale)
	op.Writes = productWrites(delta)
	op.Undo.Stock = delta.Inverse()

	if _, err := c.commit(ctx, op, delta, func(tx *txn) error {
		return c.stageDelete(tx, op, entry)
	}); err != nil {
		return domain.DeleteResponse{}, fmt.Errorf("delete sale: %w", err)
	}

	c.log.Info("sale deleted", zap.String("sale_id", id), zap.String("invoice", sale.InvoiceNumber))
	resp := domain.DeleteResponse{ID: id}
	if len(op.Writes) > 0 {
		resp.OperationID = op.ID
	}
	return resp, nil
}

// ReturnProduct records a partial return of one product on a sale and
// restocks it. Returning more than is outstanding fails with ErrOverReturn.
func (c *Coordinator) ReturnProduct(ctx context.Context, saleID string, productID string, qty int) (domain.SaleResponse, error) {
	productID = strings.TrimSpace(productID)
	unlockSale := c.locks.lock(saleKey(saleID))
	defer unlockSale()

	entry, err := c.liveEntry(ctx, store.Sales, saleID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	sale, err := store.DecodeSale(entry)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	delta, err := ledger.Returned(sale.Items, sale.Returns, productID, qty)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	unlockProduct := c.locks.lock(productKey(productID))
	defer unlockProduct()

	now := c.cfg.Now()
	returns := make([]domain.Return, 0, len(sale.Returns)+1)
	returns = append(returns, sale.Returns...)
	sale.Returns = append(returns, domain.Return{ID: xid.New(), ProductID: productID, Quantity: qty, ReturnedAt: now})
	sale.Version++
	sale.UpdatedAt = now

	next, err := store.SaleEntry(sale, domain.SyncPendingLocal, entry.Remote)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	op := c.newOperation(OpReturnProduct)
	op.Writes = append([]Write{{Family: store.Sales, ID: saleID, Kind: WriteUpsert}}, productWrites(delta)...)
	op.Undo = Undo{Stock: delta.Inverse(), Restore: []store.Entry{entry}}

	if _, err := c.commit(ctx, op, delta, func(tx *txn) error {
		tx.batch.Put(next)
		return nil
	}); err != nil {
		return domain.SaleResponse{}, fmt.Errorf("return product: %w", err)
	}

	c.log.Info("product returned", zap.String("sale_id", saleID), zap.String("product_id", productID), zap.Int("qty", qty))
	sale.SyncState = domain.SyncPendingLocal
	return domain.SaleResponse{Sale: sale, OperationID: op.ID}, nil
}

// snapshotItems copies name and price into each line. Products already on
// the sale keep the snapshot taken when they were sold.
func (c *Coordinator) snapshotItems(ctx context.Context, lines []domain.SaleLine, prior []domain.SaleItem) ([]domain.SaleItem, error) {
	known := make(map[string]domain.SaleItem, len(prior))
	for _, item := range prior {
		known[item.ProductID] = item
	}

	items := make([]domain.SaleItem, 0, len(lines))
	for _, line := range lines {
		if item, ok := known[line.ProductID]; ok {
			item.Quantity = line.Quantity
			items = append(items, item)
			continue
		}
		product, err := c.GetProductByID(ctx, line.ProductID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown product %s", store.ErrInvalidInput, line.ProductID)
		}
		if err != nil {
			return nil, err
		}
		items = append(items, domain.SaleItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			UnitPrice:   product.UnitPrice,
			Quantity:    line.Quantity,
		})
	}
	return items, nil
}

func applyTotals(sale *domain.Sale) error {
	if sale.DiscountKind == "" {
		sale.DiscountKind = domain.DiscountFixed
	}
	totals, err := invoice.Calculate(invoice.ForSale(*sale))
	if err != nil {
		return err
	}
	sale.Subtotal = totals.Subtotal
	sale.DiscountAmount = totals.DiscountAmount
	sale.TaxAmount = totals.TaxAmount
	sale.Total = totals.Total
	return nil
}

// mergeLines folds repeated products into one line, keeping first-seen order.
func mergeLines(lines []domain.SaleLine) ([]domain.SaleLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: a sale needs at least one item", store.ErrInvalidInput)
	}
	merged := make([]domain.SaleLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: item without product", store.ErrInvalidInput)
		}
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for %s must be at least 1", store.ErrInvalidInput, productID)
		}
		if i, ok := index[productID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[productID] = len(merged)
		merged = append(merged, domain.SaleLine{ProductID: productID, Quantity: line.Quantity})
	}
	return merged, nil
}

func lineProductIDs(lines []domain.SaleLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

func productWrites(delta ledger.Delta) []Write {
	ids := delta.ProductIDs()
	writes := make([]Write, 0, len(ids))
	for _, id := range ids {
		writes = append(writes, Write{Family: store.Products, ID: id, Kind: WriteUpsert})
	}
	return writes
}
