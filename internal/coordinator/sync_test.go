package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/remote"
	memremote "tokosync/backend/internal/remote/memory"
	"tokosync/backend/internal/store"
	"tokosync/backend/internal/store/sqlite"
)

func TestOfflineSaleSyncsAfterResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	h.remote.SetOffline(true)

	product := h.addProduct(t, "Beras", "60000", 5)
	sale := h.sell(t, product.ID, 2)
	if got := h.stock(t, product.ID); got != 3 {
		t.Fatalf("expected local stock 3 while offline, got %d", got)
	}

	eventually(t, "outbox to park", func() bool { return h.c.Status().Parked })
	op, err := h.c.Operation(sale.OperationID)
	if err != nil {
		t.Fatalf("operation: %v", err)
	}
	if op.State != domain.OpRemotePending {
		t.Fatalf("expected remote_pending while offline, got %s", op.State)
	}
	p, err := h.c.GetProductByID(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if p.SyncState != domain.SyncPendingLocal {
		t.Fatalf("expected pending product while offline, got %s", p.SyncState)
	}

	h.remote.SetOffline(false)
	h.c.Resume()
	mustSync(t, h.c, sale.OperationID)

	if _, ok := h.remote.Get(store.Sales, sale.Sale.ID); !ok {
		t.Fatalf("expected sale remotely after reconnect")
	}
	if got := remoteProduct(t, h, product.ID).Stock; got != 3 {
		t.Fatalf("expected remote stock 3, got %d", got)
	}
	synced, err := h.c.GetSaleByID(ctx, sale.Sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if synced.SyncState != domain.SyncSynced {
		t.Fatalf("expected sale synced, got %s", synced.SyncState)
	}
}

func TestRejectedSaleIsRolledBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	product := h.addProduct(t, "Minyak", "18000", 10)
	eventually(t, "product to sync", func() bool { return h.c.Status().Queued == 0 })

	h.remote.RejectWhen(func(op string, family store.Family, _ string) bool {
		return family == store.Sales && op == "create"
	})
	sale := h.sell(t, product.ID, 3)
	if got := h.stock(t, product.ID); got != 7 {
		t.Fatalf("expected optimistic local stock 7, got %d", got)
	}

	op, err := await(t, h.c, sale.OperationID)
	if !errors.Is(err, store.ErrRemoteRejected) {
		t.Fatalf("expected ErrRemoteRejected, got %v", err)
	}
	if op.State != domain.OpRemoteFailed || op.LastError == "" {
		t.Fatalf("expected remote_failed with a reason, got %+v", op)
	}
	if got := h.stock(t, product.ID); got != 10 {
		t.Fatalf("expected stock restored to 10, got %d", got)
	}
	if _, err := h.c.GetSaleByID(ctx, sale.Sale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected the rejected sale to be removed, got %v", err)
	}

	failures := h.failed()
	if len(failures) != 1 || failures[0].ID != sale.OperationID {
		t.Fatalf("expected one failure report for the sale, got %+v", failures)
	}

	eventually(t, "repair to sync", func() bool { return h.c.Status().Queued == 0 })
	if got := remoteProduct(t, h, product.ID).Stock; got != 10 {
		t.Fatalf("expected remote stock 10, got %d", got)
	}
}

func TestPartiallyAppliedOperationIsRepaired(t *testing.T) {
	h := newHarness(t, true)
	product := h.addProduct(t, "Sabun", "4000", 6)
	eventually(t, "product to sync", func() bool { return h.c.Status().Queued == 0 })

	var rejected atomic.Bool
	h.remote.RejectWhen(func(op string, family store.Family, _ string) bool {
		return family == store.Products && op == "update" && rejected.CompareAndSwap(false, true)
	})

	sale := h.sell(t, product.ID, 2)
	if _, err := await(t, h.c, sale.OperationID); !errors.Is(err, store.ErrRemoteRejected) {
		t.Fatalf("expected ErrRemoteRejected, got %v", err)
	}

	eventually(t, "repair to sync", func() bool { return h.c.Status().Queued == 0 })
	if _, ok := h.remote.Get(store.Sales, sale.Sale.ID); ok {
		t.Fatalf("expected the repair to delete the sale that reached the remote store")
	}
	if got := remoteProduct(t, h, product.ID).Stock; got != 6 {
		t.Fatalf("expected remote stock 6, got %d", got)
	}
	if got := h.stock(t, product.ID); got != 6 {
		t.Fatalf("expected local stock 6, got %d", got)
	}
}

func TestRejectionRevertsDependentOperations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	h.remote.RejectWhen(func(op string, family store.Family, _ string) bool {
		return family == store.Products && op == "create"
	})

	product := h.addProduct(t, "Kecap", "9000", 5)
	sale := h.sell(t, product.ID, 2)
	h.start(t)

	if _, err := await(t, h.c, sale.OperationID); !errors.Is(err, store.ErrRemoteRejected) {
		t.Fatalf("expected the dependent sale to fail too, got %v", err)
	}
	if _, err := h.c.GetProductByID(ctx, product.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected rejected product to be removed, got %v", err)
	}
	sales, err := h.c.Sales(ctx)
	if err != nil {
		t.Fatalf("sales: %v", err)
	}
	if len(sales) != 0 {
		t.Fatalf("expected no sales left, got %d", len(sales))
	}
	if got := len(h.failed()); got != 2 {
		t.Fatalf("expected two failure reports, got %d", got)
	}
	eventually(t, "repair to sync", func() bool { return h.c.Status().Queued == 0 })
}

func TestDeleteOfUnsentCreateNeverCallsRemote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	temp := h.addProduct(t, "Sementara", "1000", 4)
	resp, err := h.c.DeleteProduct(ctx, temp.ID)
	if err != nil {
		t.Fatalf("delete product: %v", err)
	}
	if resp.OperationID != "" {
		t.Fatalf("expected no remote operation for a product that never left the device")
	}
	if _, err := h.cache.Get(ctx, store.Products, temp.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected the product to be dropped locally, got %v", err)
	}

	keep := h.addProduct(t, "Tetap", "1000", 10)
	sale := h.sell(t, keep.ID, 2)
	deleted, err := h.c.DeleteSale(ctx, sale.Sale.ID)
	if err != nil {
		t.Fatalf("delete sale: %v", err)
	}
	if got := h.stock(t, keep.ID); got != 10 {
		t.Fatalf("expected stock 10, got %d", got)
	}

	h.start(t)
	mustSync(t, h.c, deleted.OperationID)
	eventually(t, "outbox to drain", func() bool { return h.c.Status().Queued == 0 })

	for _, call := range h.remote.Calls() {
		if call.ID == temp.ID || call.Family == store.Sales {
			t.Fatalf("unexpected remote call %+v", call)
		}
	}
	if got := remoteProduct(t, h, keep.ID).Stock; got != 10 {
		t.Fatalf("expected remote stock 10, got %d", got)
	}
}

func TestOperationsQueuedBeforeStartAreSentOnce(t *testing.T) {
	h := newHarness(t, false)
	product := h.addProduct(t, "Teh", "6000", 3)
	h.start(t)

	ops := h.c.Operations()
	if len(ops) != 1 {
		t.Fatalf("expected one operation, got %+v", ops)
	}
	mustSync(t, h.c, ops[0].ID)
	eventually(t, "outbox to drain", func() bool { return h.c.Status().Queued == 0 })
	creates := 0
	for _, call := range h.remote.Calls() {
		if call.Op == "create" && call.ID == product.ID {
			creates++
		}
	}
	if creates != 1 {
		t.Fatalf("expected one remote create, got %d", creates)
	}
}

// queuedOffline syncs a product, then reopens the coordinator without
// starting it so later operations stay unsent until the test calls start.
func queuedOffline(t *testing.T, stock int) (*harness, domain.Product) {
	t.Helper()
	h := newHarness(t, true)
	product := h.addProduct(t, "Gula", "14000", stock)
	eventually(t, "product to sync", func() bool { return h.c.Status().Queued == 0 })
	h.c.Close()
	h.open(t)
	return h, product
}

// rejectNthProductUpdate rejects only the nth product update the remote
// store sees.
func rejectNthProductUpdate(h *harness, n int32) {
	var seen atomic.Int32
	h.remote.RejectWhen(func(op string, family store.Family, _ string) bool {
		return family == store.Products && op == "update" && seen.Add(1) == n
	})
}

func assertNoSaleAndStock(t *testing.T, h *harness, productID string, want int) {
	t.Helper()
	eventually(t, "outbox to drain", func() bool { return h.c.Status().Queued == 0 })
	sales, err := h.c.Sales(context.Background())
	if err != nil {
		t.Fatalf("sales: %v", err)
	}
	if len(sales) != 0 {
		t.Fatalf("expected no sale after the rollback, got %+v", sales)
	}
	if got := h.stock(t, productID); got != want {
		t.Fatalf("expected local stock %d, got %d", want, got)
	}
	if got := remoteProduct(t, h, productID).Stock; got != want {
		t.Fatalf("expected remote stock %d, got %d", want, got)
	}
	for _, call := range h.remote.Calls() {
		if call.Family == store.Sales {
			t.Fatalf("unexpected remote sale call %+v", call)
		}
	}
}

func TestRejectionAfterCancelledSaleRestoresNothing(t *testing.T) {
	ctx := context.Background()
	h, product := queuedOffline(t, 10)

	sale := h.sell(t, product.ID, 3)
	deleted, err := h.c.DeleteSale(ctx, sale.Sale.ID)
	if err != nil {
		t.Fatalf("delete sale: %v", err)
	}
	if deleted.OperationID == "" {
		t.Fatalf("expected the restock to stay queued")
	}
	rejectNthProductUpdate(h, 1)
	h.start(t)

	if _, err := await(t, h.c, sale.OperationID); !errors.Is(err, store.ErrRemoteRejected) {
		t.Fatalf("expected the stripped sale operation to be rejected, got %v", err)
	}
	if _, err := await(t, h.c, deleted.OperationID); !errors.Is(err, store.ErrRemoteRejected) {
		t.Fatalf("expected the delete to be reverted with it, got %v", err)
	}
	if _, err := h.c.GetSaleByID(ctx, sale.Sale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected the cancelled sale to stay gone, got %v", err)
	}
	assertNoSaleAndStock(t, h, product.ID, 10)
}

func TestRejectedUpdateOfCancelledSaleRestoresNothing(t *testing.T) {
	ctx := context.Background()
	h, product := queuedOffline(t, 10)

	sale := h.sell(t, product.ID, 3)
	updated, err := h.c.UpdateSale(ctx, sale.Sale.ID, domain.SaleUpdateRequest{
		Items:         []domain.SaleLine{{ProductID: product.ID, Quantity: 5}},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("update sale: %v", err)
	}
	if got := h.stock(t, product.ID); got != 5 {
		t.Fatalf("expected stock 5 after the update, got %d", got)
	}
	if _, err := h.c.DeleteSale(ctx, sale.Sale.ID); err != nil {
		t.Fatalf("delete sale: %v", err)
	}
	rejectNthProductUpdate(h, 2)
	h.start(t)

	if _, err := await(t, h.c, updated.OperationID); !errors.Is(err, store.ErrRemoteRejected) {
		t.Fatalf("expected the stripped update to be rejected, got %v", err)
	}
	assertNoSaleAndStock(t, h, product.ID, 10)
}

func TestRejectedReturnOfCancelledSaleRestoresNothing(t *testing.T) {
	ctx := context.Background()
	h, product := queuedOffline(t, 10)

	sale := h.sell(t, product.ID, 3)
	returned, err := h.c.ReturnProduct(ctx, sale.Sale.ID, product.ID, 1)
	if err != nil {
		t.Fatalf("return product: %v", err)
	}
	deleted, err := h.c.DeleteSale(ctx, sale.Sale.ID)
	if err != nil {
		t.Fatalf("delete sale: %v", err)
	}
	if got := h.stock(t, product.ID); got != 10 {
		t.Fatalf("expected stock 10 after the delete, got %d", got)
	}
	rejectNthProductUpdate(h, 2)
	h.start(t)

	mustSync(t, h.c, sale.OperationID)
	if _, err := await(t, h.c, returned.OperationID); !errors.Is(err, store.ErrRemoteRejected) {
		t.Fatalf("expected the stripped return to be rejected, got %v", err)
	}
	if _, err := await(t, h.c, deleted.OperationID); !errors.Is(err, store.ErrRemoteRejected) {
		t.Fatalf("expected the delete to be reverted with the return, got %v", err)
	}
	assertNoSaleAndStock(t, h, product.ID, 10)
}

func TestRejectedDeleteOfCancelledSaleRestoresNothing(t *testing.T) {
	ctx := context.Background()
	h, product := queuedOffline(t, 10)

	sale := h.sell(t, product.ID, 4)
	deleted, err := h.c.DeleteSale(ctx, sale.Sale.ID)
	if err != nil {
		t.Fatalf("delete sale: %v", err)
	}
	rejectNthProductUpdate(h, 2)
	h.start(t)

	mustSync(t, h.c, sale.OperationID)
	if _, err := await(t, h.c, deleted.OperationID); !errors.Is(err, store.ErrRemoteRejected) {
		t.Fatalf("expected the delete to be rejected, got %v", err)
	}
	assertNoSaleAndStock(t, h, product.ID, 10)
}

func settleGen(c *Coordinator) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settleGen
}

func productDoc(t *testing.T, p domain.Product) remote.Document {
	t.Helper()
	body, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return remote.Document{ID: p.ID, Version: p.Version, UpdatedAt: p.UpdatedAt, Body: body}
}

func TestReconcileLastWriteWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	kept := h.addProduct(t, "Lokal", "1000", 10)
	gone := h.addProduct(t, "Hilang", "1000", 10)
	eventually(t, "products to sync", func() bool { return h.c.Status().Queued == 0 })

	h.remote.SetOffline(true)
	pending := h.addProduct(t, "Baru", "1000", 1)
	later := time.Now().UTC().Add(time.Minute)

	newer := kept
	newer.Name = "Dari Pusat"
	newer.Version = 5
	newer.UpdatedAt = later
	clobber := pending
	clobber.Name = "Timpa"
	clobber.Version = 9
	clobber.UpdatedAt = later

	stats, err := h.c.reconcile(ctx, store.Products, []remote.Document{productDoc(t, newer), productDoc(t, clobber)}, settleGen(h.c))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if stats.pulled != 1 || stats.skipped != 1 || stats.dropped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	got, err := h.c.GetProductByID(ctx, kept.ID)
	if err != nil {
		t.Fatalf("get kept: %v", err)
	}
	if got.Name != "Dari Pusat" || got.SyncState != domain.SyncSynced {
		t.Fatalf("expected newer remote copy to win, got %+v", got)
	}
	local, err := h.c.GetProductByID(ctx, pending.ID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if local.Name != "Baru" {
		t.Fatalf("a pending local record was overwritten: %+v", local)
	}
	if _, err := h.c.GetProductByID(ctx, gone.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected synced record missing remotely to be dropped, got %v", err)
	}

	stale := newer
	stale.Name = "Lama"
	stale.Version = 3
	if _, err := h.c.reconcile(ctx, store.Products, []remote.Document{productDoc(t, stale), productDoc(t, clobber)}, settleGen(h.c)); err != nil {
		t.Fatalf("reconcile stale: %v", err)
	}
	if got, _ := h.c.GetProductByID(ctx, kept.ID); got.Name != "Dari Pusat" {
		t.Fatalf("an older remote version won: %+v", got)
	}

	remoteSale := domain.Sale{
		ID:            "sale-from-hq",
		InvoiceNumber: "HQ-000041",
		InvoiceSeq:    41,
		Date:          later,
		Items:         []domain.SaleItem{{ProductID: kept.ID, ProductName: "Lokal", UnitPrice: decimal.NewFromInt(1000), Quantity: 1}},
		DiscountKind:  domain.DiscountFixed,
		Subtotal:      decimal.NewFromInt(1000),
		Total:         decimal.NewFromInt(1000),
		PaymentMethod: domain.PaymentCash,
		Version:       1,
		UpdatedAt:     later,
	}
	body, err := json.Marshal(remoteSale)
	if err != nil {
		t.Fatalf("marshal sale: %v", err)
	}
	if _, err := h.c.reconcile(ctx, store.Sales, []remote.Document{{ID: remoteSale.ID, Version: 1, UpdatedAt: later, Body: body}}, settleGen(h.c)); err != nil {
		t.Fatalf("reconcile sales: %v", err)
	}

	next := h.sell(t, kept.ID, 1)
	if next.Sale.InvoiceNumber != "POS-000042" {
		t.Fatalf("expected the counter to move past remote sequence 41, got %s", next.Sale.InvoiceNumber)
	}
}

func TestRefreshPullsRecordsFromOtherDevices(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	other := domain.Product{
		ID:        "p-other-device",
		Name:      "Dari Kasir 2",
		UnitPrice: decimal.NewFromInt(7000),
		Stock:     12,
		Version:   2,
		UpdatedAt: time.Now().UTC(),
	}
	h.remote.Seed(store.Products, productDoc(t, other))

	if err := h.c.RefreshData(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if h.c.Loading() {
		t.Fatalf("expected loading to clear after refresh")
	}
	got, err := h.c.GetProductByID(ctx, other.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stock != 12 || got.SyncState != domain.SyncSynced {
		t.Fatalf("unexpected pulled product %+v", got)
	}

	h.remote.SetOffline(true)
	if err := h.c.RefreshData(ctx); !errors.Is(err, store.ErrNetwork) {
		t.Fatalf("expected ErrNetwork while offline, got %v", err)
	}
	if _, err := h.c.GetProductByID(ctx, other.ID); err != nil {
		t.Fatalf("a failed refresh must leave the cache alone: %v", err)
	}
}

func TestOutboxSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	cfg := Config{InvoicePrefix: "POS", RetryBase: time.Millisecond, RetryMax: 4 * time.Millisecond, MaxAttempts: 3}
	session := domain.Session{UserID: "u-1", DeviceID: "dev-1"}
	remoteStore := memremote.New()

	cache, err := sqlite.New(ctx, path)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	first := New(cfg, cache, remoteStore, session, nil)
	product, err := first.AddProduct(ctx, domain.ProductCreateRequest{Name: "Kopi", UnitPrice: decimal.NewFromInt(15000), Stock: 4})
	if err != nil {
		t.Fatalf("add product: %v", err)
	}
	sale, err := first.AddSale(ctx, domain.SaleCreateRequest{
		Items:         []domain.SaleLine{{ProductID: product.Product.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("add sale: %v", err)
	}
	first.Close()
	if err := cache.Close(); err != nil {
		t.Fatalf("close cache: %v", err)
	}

	reopened, err := sqlite.New(ctx, path)
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	second := New(cfg, reopened, remoteStore, session, nil)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(second.Close)

	mustSync(t, second, sale.OperationID)
	ops := second.Operations()
	if len(ops) != 2 || ops[0].Kind != OpAddProduct || ops[1].Kind != OpAddSale {
		t.Fatalf("expected both queued operations to resume in order, got %+v", ops)
	}
	if _, ok := remoteStore.Get(store.Sales, sale.Sale.ID); !ok {
		t.Fatalf("expected the sale to reach the remote store after restart")
	}

	next, err := second.AddSale(ctx, domain.SaleCreateRequest{
		Items:         []domain.SaleLine{{ProductID: product.Product.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("add sale after restart: %v", err)
	}
	if next.Sale.InvoiceNumber != "POS-000002" {
		t.Fatalf("expected POS-000002 after restart, got %s", next.Sale.InvoiceNumber)
	}
}
