// Package terminal is the per-shop session the POS screen works against. It
// is the single source of truth for displayed products, customers and sales,
// and it owns the cart.
package terminal

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"aasanpos/backend/internal/cart"
	"aasanpos/backend/internal/connectivity"
	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/kv"
	"aasanpos/backend/internal/ledger"
	"aasanpos/backend/internal/offline"
	"aasanpos/backend/internal/store"
	"aasanpos/backend/internal/xid"
)

var ErrCustomerNotFound = errors.New("customer not found")

type Committer interface {
	Commit(ctx context.Context, plan domain.MutationPlan) (ledger.CommitResult, error)
}

const defaultCommitTimeout = 10 * time.Second

type Options struct {
	ShopID    string
	Store     store.DocumentStore
	Committer Committer
	Queue     *offline.Queue
	// Snapshots keeps the last remote state on the device so the shop can
	// open while the store is unreachable. Optional.
	Snapshots kv.Store
	Notifier  connectivity.Notifier
	Log       logrus.FieldLogger
	Now       func() time.Time
	NewSaleID func() string
	// CommitTimeout bounds one direct commit and one backlog retry.
	CommitTimeout time.Duration
}

type Terminal struct {
	shopID    string
	store     store.DocumentStore
	committer Committer
	queue     *offline.Queue
	notifier  connectivity.Notifier
	log       logrus.FieldLogger
	now       func() time.Time
	newSaleID func() string
	snapshots kv.Store
	timeout   time.Duration

	// online follows the browser's connectivity reports; storeDown records
	// that the last store call failed transiently. They are independent.
	online    atomic.Bool
	storeDown atomic.Bool
	reporter  atomic.Pointer[func(connectivity.Status)]

	checkoutMu sync.Mutex
	confirms   sync.WaitGroup
	cart       *cart.Cart

	// jobs are confirmations waiting for the single worker, in checkout
	// order.
	jobsMu  sync.Mutex
	jobs    []confirmJob
	working bool

	mu        sync.RWMutex
	products  map[string]domain.Product
	customers map[string]domain.Customer
	sales     []domain.SaleRecord
	// inflight holds sales whose confirmation has not finished yet, so a
	// refresh in that window keeps showing them.
	inflight map[string]domain.SaleRecord
}

func New(opts Options) *Terminal {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewSaleID == nil {
		opts.NewSaleID = func() string { return xid.New("sale") }
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = defaultCommitTimeout
	}
	t := &Terminal{
		shopID:    opts.ShopID,
		store:     opts.Store,
		committer: opts.Committer,
		queue:     opts.Queue,
		notifier:  opts.Notifier,
		log:       opts.Log.WithFields(logrus.Fields{"module": "terminal", "shop_id": opts.ShopID}),
		now:       opts.Now,
		newSaleID: opts.NewSaleID,
		snapshots: opts.Snapshots,
		timeout:   opts.CommitTimeout,
		products:  map[string]domain.Product{},
		customers: map[string]domain.Customer{},
		inflight:  map[string]domain.SaleRecord{},
	}
	t.online.Store(true)
	t.cart = cart.New(t)
	return t
}

func (t *Terminal) ShopID() string {
	return t.shopID
}

func (t *Terminal) Cart() *cart.Cart {
	return t.cart
}

func (t *Terminal) Queue() *offline.Queue {
	return t.queue
}

// Product reads the current snapshot under lock. Callers must not hold on to
// the value across operations.
func (t *Terminal) Product(barcode string) (domain.Product, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.products[barcode]
	return p, ok
}

func (t *Terminal) Customer(id string) (domain.Customer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.customers[id]
	return c, ok
}

func (t *Terminal) Products() []domain.Product {
	t.mu.RLock()
	out := make([]domain.Product, 0, len(t.products))
	for _, p := range t.products {
		out = append(out, p)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

func (t *Terminal) Customers() []domain.Customer {
	t.mu.RLock()
	out := make([]domain.Customer, 0, len(t.customers))
	for _, c := range t.customers {
		out = append(out, c)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Sales returns displayed sales, newest first.
func (t *Terminal) Sales() []domain.SaleRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.SaleRecord, len(t.sales))
	for i := range t.sales {
		out[len(t.sales)-1-i] = t.sales[i]
	}
	return out
}

// Confirming reports whether the sale has not yet been committed or queued.
func (t *Terminal) Confirming(saleID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.inflight[saleID]
	return ok
}

func (t *Terminal) PutProduct(p domain.Product) {
	t.mu.Lock()
	t.products[p.Barcode] = p
	t.mu.Unlock()
}

func (t *Terminal) RemoveProduct(barcode string) {
	t.mu.Lock()
	delete(t.products, barcode)
	t.mu.Unlock()
}

func (t *Terminal) PutCustomer(c domain.Customer) {
	t.mu.Lock()
	t.customers[c.ID] = c
	t.mu.Unlock()
}

func (t *Terminal) RemoveCustomer(id string) {
	t.mu.Lock()
	delete(t.customers, id)
	t.mu.Unlock()
}

func (t *Terminal) RemoveSales(ids []string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.sales[:0]
	for _, s := range t.sales {
		if !drop[s.ID] {
			kept = append(kept, s)
		}
	}
	t.sales = kept
}

// Refresh replaces local state with the remote store's, then re-applies the
// effects of every sale still pending in the queue or still confirming.
func (t *Terminal) Refresh(ctx context.Context) error {
	remote, err := t.fetch(ctx)
	if err != nil {
		if store.IsTransient(err) {
			t.storeDown.Store(true)
		}
		return err
	}
	t.storeDown.Store(false)
	if err := t.install(ctx, remote); err != nil {
		return err
	}
	t.saveSnapshot(ctx, remote)
	return nil
}

func (t *Terminal) fetch(ctx context.Context) (remoteState, error) {
	productDocs, err := t.store.List(ctx, t.shopID, domain.CollectionProducts)
	if err != nil {
		return remoteState{}, err
	}
	customerDocs, err := t.store.List(ctx, t.shopID, domain.CollectionCustomers)
	if err != nil {
		return remoteState{}, err
	}
	saleDocs, err := t.store.List(ctx, t.shopID, domain.CollectionSales)
	if err != nil {
		return remoteState{}, err
	}
	var remote remoteState
	if remote.Products, err = store.DecodeAll[domain.Product](productDocs); err != nil {
		return remoteState{}, err
	}
	if remote.Customers, err = store.DecodeAll[domain.Customer](customerDocs); err != nil {
		return remoteState{}, err
	}
	if remote.Sales, err = store.DecodeAll[domain.SaleRecord](saleDocs); err != nil {
		return remoteState{}, err
	}
	return remote, nil
}

// install swaps in remote state overlaid with pending and confirming sales.
func (t *Terminal) install(ctx context.Context, remote remoteState) error {
	pending, err := t.queue.Pending(ctx)
	if err != nil {
		return err
	}

	next := &snapshot{
		products:  make(map[string]domain.Product, len(remote.Products)),
		customers: make(map[string]domain.Customer, len(remote.Customers)),
		sales:     append([]domain.SaleRecord(nil), remote.Sales...),
		known:     make(map[string]bool, len(remote.Sales)),
	}
	for _, p := range remote.Products {
		next.products[p.Barcode] = p
	}
	for _, c := range remote.Customers {
		if c.ID == "" {
			continue
		}
		next.customers[c.ID] = c
	}
	for _, s := range remote.Sales {
		next.known[s.ID] = true
	}
	for _, entry := range pending {
		if sale, ok := ledger.SaleFromPlan(entry.Plan); ok {
			next.apply(sale)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sale := range t.inflight {
		next.apply(sale)
	}
	sort.SliceStable(next.sales, func(i, j int) bool {
		return next.sales[i].CreatedAt.Before(next.sales[j].CreatedAt)
	})
	t.products = next.products
	t.customers = next.customers
	t.sales = next.sales
	return nil
}

type snapshot struct {
	products  map[string]domain.Product
	customers map[string]domain.Customer
	sales     []domain.SaleRecord
	known     map[string]bool
}

// apply adds a sale's optimistic effects unless the remote copy already
// carries them.
func (s *snapshot) apply(sale domain.SaleRecord) {
	if s.known[sale.ID] {
		return
	}
	s.known[sale.ID] = true
	applySale(s.products, s.customers, sale)
	s.sales = append(s.sales, sale)
}

func applySale(products map[string]domain.Product, customers map[string]domain.Customer, sale domain.SaleRecord) {
	for _, item := range sale.Items {
		p, ok := products[item.Barcode]
		if !ok {
			continue
		}
		p.Quantity -= item.Quantity
		products[item.Barcode] = p
	}
	if !sale.IsWalkIn() {
		// Same delta the committed plan applies, so payments recorded since
		// the sale are kept.
		c, ok := customers[sale.CustomerID]
		if !ok {
			return
		}
		c.DueBalance = c.DueBalance.Add(sale.NewDue.Sub(sale.PreviousDue))
		customers[sale.CustomerID] = c
	}
}
