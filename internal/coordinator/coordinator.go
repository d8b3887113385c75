// Package coordinator is the single entry point for product and sale
// mutations. Every intent is applied to the local cache synchronously and
// queued in a durable outbox; a background dispatcher replays the outbox
// against the remote store in order, reverting any change the remote
// rejects.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/ledger"
	"tokosync/backend/internal/logger"
	"tokosync/backend/internal/remote"
	"tokosync/backend/internal/store"
	"tokosync/backend/internal/xid"
)

type Config struct {
	InvoicePrefix string
	RetryBase     time.Duration
	RetryMax      time.Duration
	MaxAttempts   int
	// HistoryLimit caps how many finished operations stay inspectable.
	HistoryLimit int
	Now          func() time.Time
	// OnFailure is called once for every operation that ends remote_failed.
	OnFailure func(op Operation, err error)
}

func (c Config) withDefaults() Config {
	if c.InvoicePrefix == "" {
		c.InvoicePrefix = "INV"
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 8
	}
	if c.HistoryLimit < 1 {
		c.HistoryLimit = 500
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Status summarizes the outbox.
type Status struct {
	Queued   int    `json:"queued"`
	Parked   bool   `json:"parked"`
	InFlight string `json:"in_flight,omitempty"`
	Loading  bool   `json:"loading"`
}

type Coordinator struct {
	cfg     Config
	cache   store.Cache
	remote  remote.Store
	ledger  *ledger.Ledger
	session domain.Session
	log     *zap.Logger
	locks   *keyedLocks

	commitMu sync.Mutex
	counters counters

	mu       sync.Mutex
	ops      map[string]*Operation
	done     map[string]chan struct{}
	queue    []*Operation
	history  []string
	inflight string
	parked   bool
	// settled records, per key, the completion generation of the last
	// operation that wrote it, so a refresh never applies a listing taken
	// before that write landed.
	settleGen int64
	settled   map[store.Key]int64

	wake    chan struct{}
	resumed chan struct{}
	loading atomic.Int32
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, cache store.Cache, remoteStore remote.Store, session domain.Session, log *zap.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:     cfg,
		cache:   cache,
		remote:  remoteStore,
		ledger:  ledger.New(cache, cfg.Now),
		session: session,
		log:     logger.Named(log, "coordinator"),
		locks:   newKeyedLocks(),
		ops:     make(map[string]*Operation),
		done:    make(map[string]chan struct{}),
		settled: make(map[store.Key]int64),
		wake:    make(chan struct{}, 1),
		resumed: make(chan struct{}, 1),
	}
}

// Start restores counters and the outbox from the cache and launches the
// dispatcher. Operations left over from a previous run resume in order.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already started")
	}
	if err := c.restore(ctx); err != nil {
		c.started.Store(false)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatch(runCtx)
	}()
	c.kick()
	return nil
}

// Close stops the dispatcher. Queued operations stay in the outbox.
func (c *Coordinator) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) restore(ctx context.Context) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	entry, err := c.cache.Get(ctx, store.Meta, countersID)
	switch {
	case err == nil:
		if c.counters, err = decodeCounters(entry); err != nil {
			return err
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("load counters: %w", err)
	}

	// Counters only move forward; a stale meta entry is corrected from the
	// records themselves.
	sales, err := c.cache.GetAll(ctx, store.Sales)
	if err != nil {
		return fmt.Errorf("load sales: %w", err)
	}
	for _, e := range sales {
		sale, err := store.DecodeSale(e)
		if err != nil {
			return err
		}
		if sale.InvoiceSeq > c.counters.InvoiceSeq {
			c.counters.InvoiceSeq = sale.InvoiceSeq
		}
	}

	entries, err := c.cache.GetAll(ctx, store.Operations)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	loaded := make([]*Operation, 0, len(entries))
	for _, e := range entries {
		op, err := decodeOperation(e)
		if err != nil {
			return err
		}
		if op.Seq > c.counters.OpSeq {
			c.counters.OpSeq = op.Seq
		}
		loaded = append(loaded, op)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Seq < loaded[j].Seq })

	// Operations committed before Start are already queued.
	restored := 0
	c.mu.Lock()
	for _, op := range loaded {
		if _, ok := c.ops[op.ID]; ok {
			continue
		}
		c.enqueueLocked(op)
		restored++
	}
	c.mu.Unlock()

	if restored > 0 {
		c.log.Info("outbox restored", zap.Int("operations", restored))
	}
	return nil
}

func (c *Coordinator) newOperation(kind OpKind) *Operation {
	now := c.cfg.Now()
	return &Operation{
		ID:        xid.NewPrefixed("op"),
		Kind:      kind,
		State:     domain.OpDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

type txn struct {
	c         *Coordinator
	batch     store.Batch
	committed []func()
}

func (t *txn) nextInvoice() (int64, string) {
	t.c.counters.InvoiceSeq++
	seq := t.c.counters.InvoiceSeq
	return seq, invoiceNumber(t.c.cfg.InvoicePrefix, seq)
}

func (t *txn) onCommit(fn func()) {
	t.committed = append(t.committed, fn)
}

// commit runs fill under the commit lock and writes the records it staged,
// the stock delta, the counters and the outbox entry for op in one atomic
// batch. An op left without writes is not queued. Counters are rolled back
// if the batch fails, so invoice numbers have no gaps.
func (c *Coordinator) commit(ctx context.Context, op *Operation, delta ledger.Delta, fill func(tx *txn) error) ([]domain.Product, error) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	saved := c.counters
	tx := &txn{c: c}
	if fill != nil {
		if err := fill(tx); err != nil {
			c.counters = saved
			return nil, err
		}
	}

	queued := len(op.Writes) > 0
	if queued {
		c.counters.OpSeq++
		op.Seq = c.counters.OpSeq
		op.State = domain.OpLocalApplied
		entry, err := encodeOperation(op)
		if err != nil {
			c.counters = saved
			return nil, err
		}
		tx.batch.Put(entry)
	}
	meta, err := encodeCounters(c.counters, c.cfg.Now())
	if err != nil {
		c.counters = saved
		return nil, err
	}
	tx.batch.Put(meta)

	products, err := c.ledger.Apply(ctx, delta, tx.batch)
	if err != nil {
		c.counters = saved
		return nil, err
	}

	for _, fn := range tx.committed {
		fn()
	}
	if queued {
		c.mu.Lock()
		c.enqueueLocked(op)
		c.mu.Unlock()
		c.kick()
	}
	return products, nil
}

func (c *Coordinator) enqueueLocked(op *Operation) {
	op.State = domain.OpRemotePending
	c.ops[op.ID] = op
	c.done[op.ID] = make(chan struct{})
	c.queue = append(c.queue, op)
	sort.SliceStable(c.queue, func(i, j int) bool { return c.queue[i].Seq < c.queue[j].Seq })
}

// finishLocked moves op to a terminal state and wakes its waiters.
func (c *Coordinator) finishLocked(op *Operation, state domain.OperationState, cause error) {
	op.State = state
	op.UpdatedAt = c.cfg.Now()
	if cause != nil {
		op.LastError = cause.Error()
	}
	for i, queued := range c.queue {
		if queued.ID == op.ID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	if ch, ok := c.done[op.ID]; ok {
		close(ch)
		delete(c.done, op.ID)
	}

	c.history = append(c.history, op.ID)
	for len(c.history) > c.cfg.HistoryLimit {
		delete(c.ops, c.history[0])
		c.history = c.history[1:]
	}
}

// queuedTouching reports whether a queued operation other than skipID
// writes key.
func (c *Coordinator) queuedTouching(key store.Key, skipID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuedTouchingLocked(key, skipID)
}

func (c *Coordinator) queuedTouchingLocked(key store.Key, skipID string) bool {
	for _, op := range c.queue {
		if op.ID != skipID && op.Touches(key) {
			return true
		}
	}
	return false
}

func (c *Coordinator) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Await blocks until the operation is synced or remote_failed. A failed
// operation is returned together with an error wrapping
// store.ErrRemoteRejected.
func (c *Coordinator) Await(ctx context.Context, opID string) (Operation, error) {
	c.mu.Lock()
	op, ok := c.ops[opID]
	if !ok {
		c.mu.Unlock()
		return Operation{}, fmt.Errorf("%w: operation %s", store.ErrNotFound, opID)
	}
	ch, pending := c.done[opID]
	c.mu.Unlock()

	if pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return c.snapshot(op), ctx.Err()
		}
	}

	snap := c.snapshot(op)
	if snap.State == domain.OpRemoteFailed {
		return snap, fmt.Errorf("%w: %s", store.ErrRemoteRejected, snap.LastError)
	}
	return snap, nil
}

func (c *Coordinator) snapshot(op *Operation) Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *op
}

func (c *Coordinator) Operation(opID string) (Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.ops[opID]
	if !ok {
		return Operation{}, fmt.Errorf("%w: operation %s", store.ErrNotFound, opID)
	}
	return *op, nil
}

// Operations lists known operations, queued and recently finished, by
// sequence.
func (c *Coordinator) Operations() []Operation {
	c.mu.Lock()
	out := make([]Operation, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, *op)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Queued:   len(c.queue),
		Parked:   c.parked,
		InFlight: c.inflight,
		Loading:  c.Loading(),
	}
}

// Loading reports whether a refresh is in progress.
func (c *Coordinator) Loading() bool {
	return c.loading.Load() > 0
}

// Session is the operator and device this coordinator records writes for.
func (c *Coordinator) Session() domain.Session {
	return c.session
}

func (c *Coordinator) Products(ctx context.Context) ([]domain.Product, error) {
	entries, err := c.cache.GetAll(ctx, store.Products)
	if err != nil {
		return nil, err
	}
	products := make([]domain.Product, 0, len(entries))
	for _, e := range entries {
		if !e.Live() {
			continue
		}
		p, err := store.DecodeProduct(e)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].Name != products[j].Name {
			return products[i].Name < products[j].Name
		}
		return products[i].ID < products[j].ID
	})
	return products, nil
}

func (c *Coordinator) GetProductByID(ctx context.Context, id string) (domain.Product, error) {
	entry, err := c.liveEntry(ctx, store.Products, id)
	if err != nil {
		return domain.Product{}, err
	}
	return store.DecodeProduct(entry)
}

// Sales lists live sales, newest invoice first.
func (c *Coordinator) Sales(ctx context.Context) ([]domain.Sale, error) {
	entries, err := c.cache.GetAll(ctx, store.Sales)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, len(entries))
	for _, e := range entries {
		if !e.Live() {
			continue
		}
		s, err := store.DecodeSale(e)
		if err != nil {
			return nil, err
		}
		sales = append(sales, s)
	}
	sort.Slice(sales, func(i, j int) bool {
		if !sales[i].Date.Equal(sales[j].Date) {
			return sales[i].Date.After(sales[j].Date)
		}
		return sales[i].InvoiceNumber > sales[j].InvoiceNumber
	})
	return sales, nil
}

func (c *Coordinator) GetSaleByID(ctx context.Context, id string) (domain.Sale, error) {
	entry, err := c.liveEntry(ctx, store.Sales, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return store.DecodeSale(entry)
}

// liveEntry hides tombstones from readers.
func (c *Coordinator) liveEntry(ctx context.Context, family store.Family, id string) (store.Entry, error) {
	entry, err := c.cache.Get(ctx, family, id)
	if err != nil {
		return store.Entry{}, err
	}
	if !entry.Live() {
		return store.Entry{}, fmt.Errorf("%w: %s/%s", store.ErrNotFound, family, id)
	}
	return entry, nil
}
