package terminal

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"aasanpos/backend/internal/cart"
	"aasanpos/backend/internal/config"
	"aasanpos/backend/internal/connectivity"
	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/ledger"
	"aasanpos/backend/internal/offline"
	"aasanpos/backend/internal/pricing"
	"aasanpos/backend/internal/store"
)

type OutcomeStatus string

const (
	OutcomeCommitted OutcomeStatus = "committed"
	OutcomeQueued    OutcomeStatus = "queued"
	OutcomeFailed    OutcomeStatus = "failed"
)

type Outcome struct {
	SaleID   string        `json:"sale_id"`
	Status   OutcomeStatus `json:"status"`
	Warnings []string      `json:"warnings,omitempty"`
	Err      error         `json:"-"`
}

// Confirmation resolves once the sale is committed remotely or durably
// queued.
type Confirmation struct {
	done    chan struct{}
	outcome Outcome
}

func newConfirmation() *Confirmation {
	return &Confirmation{done: make(chan struct{})}
}

func (c *Confirmation) finish(o Outcome) {
	c.outcome = o
	close(c.done)
}

func (c *Confirmation) Done() <-chan struct{} {
	return c.done
}

func (c *Confirmation) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.done:
		return c.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type Receipt struct {
	Sale    domain.SaleRecord `json:"sale"`
	Summary pricing.Summary   `json:"summary"`
}

// Quote prices the current cart for the given customer without side effects.
func (t *Terminal) Quote(req domain.CheckoutRequest) (pricing.Summary, error) {
	customer, err := t.resolveCustomer(req.CustomerID)
	if err != nil {
		return pricing.Summary{}, err
	}
	in := pricing.Input{
		Items:              t.cart.Items(),
		AdditionalDiscount: req.AdditionalDiscount,
		AmountPaid:         req.AmountPaid,
		WalkIn:             customer == nil,
	}
	if customer != nil {
		in.PreviousDue = customer.DueBalance
	}
	return pricing.Quote(in)
}

// Checkout finalises the cart in two phases. The first validates, applies
// the sale to local state and clears the cart before returning. The second
// runs on the terminal's confirm worker, one sale at a time in checkout
// order, and either commits the plan or queues it; it is detached from ctx
// so a dismissed request cannot abandon a sale.
func (t *Terminal) Checkout(ctx context.Context, cashierID string, req domain.CheckoutRequest) (Receipt, *Confirmation, error) {
	t.checkoutMu.Lock()
	defer t.checkoutMu.Unlock()

	items := t.cart.Items()
	if len(items) == 0 {
		return Receipt{}, nil, pricing.ErrEmptyCart
	}
	for _, item := range items {
		p, ok := t.Product(item.Barcode)
		if !ok {
			return Receipt{}, nil, fmt.Errorf("%w: %s", cart.ErrProductNotFound, item.Barcode)
		}
		if item.Quantity > p.Quantity {
			return Receipt{}, nil, fmt.Errorf("%w: %s has %d available", cart.ErrInsufficientStock, item.Barcode, p.Quantity)
		}
	}

	customer, err := t.resolveCustomer(req.CustomerID)
	if err != nil {
		return Receipt{}, nil, err
	}

	session := domain.Session{ShopID: t.shopID, CashierID: cashierID}
	sale, summary, err := ledger.BuildSale(session, ledger.SaleInput{
		ID:                 t.newSaleID(),
		Items:              items,
		Customer:           customer,
		AdditionalDiscount: req.AdditionalDiscount,
		AmountPaid:         req.AmountPaid,
		Now:                t.now(),
	})
	if err != nil {
		return Receipt{}, nil, err
	}
	if _, err := ledger.BuildPlan(sale); err != nil {
		return Receipt{}, nil, err
	}

	t.mu.Lock()
	applySale(t.products, t.customers, sale)
	t.sales = append(t.sales, sale)
	t.inflight[sale.ID] = sale
	t.mu.Unlock()
	t.cart.Clear()

	t.log.WithFields(logrus.Fields{
		"sale_id":     sale.ID,
		"customer_id": sale.CustomerID,
		"total":       sale.Total.String(),
	}).Info("sale finalised")

	conf := newConfirmation()
	t.schedule(confirmJob{ctx: context.WithoutCancel(ctx), sale: sale, conf: conf})

	return Receipt{Sale: sale, Summary: summary}, conf, nil
}

type confirmJob struct {
	ctx  context.Context
	sale domain.SaleRecord
	conf *Confirmation
}

// schedule appends the job and starts the worker if it is idle. Callers hold
// checkoutMu, so jobs land in checkout order.
func (t *Terminal) schedule(job confirmJob) {
	t.confirms.Add(1)
	t.jobsMu.Lock()
	t.jobs = append(t.jobs, job)
	start := !t.working
	t.working = true
	t.jobsMu.Unlock()
	if start {
		go t.work()
	}
}

func (t *Terminal) work() {
	for {
		t.jobsMu.Lock()
		if len(t.jobs) == 0 {
			t.working = false
			t.jobsMu.Unlock()
			return
		}
		job := t.jobs[0]
		t.jobs = t.jobs[1:]
		t.jobsMu.Unlock()

		t.confirm(job.ctx, job.sale, job.conf)
		t.confirms.Done()
	}
}

// confirm commits the sale directly only when nothing is queued ahead of it;
// otherwise it joins the queue and retries the backlog, so plans reach the
// store in checkout order.
func (t *Terminal) confirm(ctx context.Context, sale domain.SaleRecord, conf *Confirmation) {
	log := t.log.WithField("sale_id", sale.ID)

	backlog := false
	if t.Online() {
		pending, err := t.queue.Pending(ctx)
		backlog = err != nil || len(pending) > 0
		if !backlog {
			res, err := t.commitDirect(ctx, sale)
			if err == nil {
				t.storeDown.Store(false)
				t.settle(sale.ID, true)
				conf.finish(Outcome{SaleID: sale.ID, Status: OutcomeCommitted, Warnings: res.Warnings})
				return
			}
			if store.IsTransient(err) {
				t.storeDown.Store(true)
			}
			log.Warn("direct commit failed, queueing sale: " + err.Error())
		}
	}

	queued := sale
	queued.Synced = false
	plan, err := ledger.BuildPlan(queued)
	if err == nil {
		_, err = t.queue.Enqueue(ctx, plan)
	}
	t.settle(sale.ID, false)
	if err != nil {
		config.LogError(t.log, "terminal", "confirm", "sale neither committed nor queued", map[string]string{"sale_id": sale.ID}, err)
		t.notify(connectivity.LevelError, fmt.Sprintf("Sale %s could not be saved for sync: %v", sale.ID, err))
		conf.finish(Outcome{SaleID: sale.ID, Status: OutcomeFailed, Err: err})
		return
	}
	conf.finish(Outcome{SaleID: sale.ID, Status: OutcomeQueued})

	if backlog {
		t.retryBacklog(ctx)
	}
}

func (t *Terminal) commitDirect(ctx context.Context, sale domain.SaleRecord) (ledger.CommitResult, error) {
	direct := sale
	direct.Synced = true
	plan, err := ledger.BuildPlan(direct)
	if err != nil {
		return ledger.CommitResult{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.committer.Commit(cctx, plan)
}

// retryBacklog gives the queue one bounded drain attempt. A drain already
// running picks the new entry up itself.
func (t *Terminal) retryBacklog(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if _, err := t.Drain(dctx); err != nil && !errors.Is(err, offline.ErrDrainInProgress) {
		t.log.Warn("backlog retry failed: " + err.Error())
	}
}

// settle ends the confirming window. From here the sale is either remote or
// in the queue, and Refresh finds it there.
func (t *Terminal) settle(saleID string, synced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, saleID)
	if !synced {
		return
	}
	for i := range t.sales {
		if t.sales[i].ID == saleID {
			t.sales[i].Synced = true
			return
		}
	}
}

func (t *Terminal) resolveCustomer(id string) (*domain.Customer, error) {
	if id == "" || id == domain.WalkInCustomerID {
		return nil, nil
	}
	c, ok := t.Customer(id)
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return &c, nil
}

// Wait blocks until every started confirmation has finished.
func (t *Terminal) Wait() {
	t.confirms.Wait()
}
