package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/kv"
	"aasanpos/backend/internal/ledger"
	"aasanpos/backend/internal/store"
	"aasanpos/backend/internal/store/memory"
)

const shop = "shop-1"

const penBarcode = "8901030865278"

type flakyCommitter struct {
	inner *ledger.Committer
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
	// block, when set, is waited on before each commit.
	block chan struct{}
}

func (f *flakyCommitter) Commit(ctx context.Context, plan domain.MutationPlan) (ledger.CommitResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls = append(f.calls, plan.ID)
	fail := f.fail[plan.ID]
	f.mu.Unlock()
	if fail {
		return ledger.CommitResult{}, fmt.Errorf("commit %s: %w", plan.ID, store.ErrUnavailable)
	}
	return f.inner.Commit(ctx, plan)
}

type fixture struct {
	remote    *memory.Store
	local     *kv.Memory
	committer *flakyCommitter
	queue     *Queue
}

func newFixture() *fixture {
	logger, _ := logtest.NewNullLogger()
	remote := memory.NewSeeded(shop)
	local := kv.NewMemory()
	committer := &flakyCommitter{inner: ledger.NewCommitter(remote, logger), fail: map[string]bool{}}
	return &fixture{
		remote:    remote,
		local:     local,
		committer: committer,
		queue:     New(shop, local, committer, kv.NewLocalLocker(), logger),
	}
}

func planFor(t *testing.T, saleID string, qty int) domain.MutationPlan {
	t.Helper()
	sale, _, err := ledger.BuildSale(domain.Session{ShopID: shop, CashierID: "cashier"}, ledger.SaleInput{
		ID: saleID,
		Items: []domain.CartLineItem{{
			Barcode:  penBarcode,
			Name:     "Pen",
			Price:    decimal.NewFromInt(10),
			BuyPrice: decimal.NewFromInt(6),
			Quantity: qty,
		}},
		AmountPaid: decimal.NewFromInt(1000),
		Now:        time.Now(),
	})
	if err != nil {
		t.Fatalf("build sale: %v", err)
	}
	plan, err := ledger.BuildPlan(sale)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	return plan
}

func (f *fixture) stock(t *testing.T) int {
	t.Helper()
	doc, err := f.remote.Get(context.Background(), shop, domain.CollectionProducts, penBarcode)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	p, _ := store.Decode[domain.Product](doc)
	return p.Quantity
}

func (f *fixture) saleExists(id string) bool {
	_, err := f.remote.Get(context.Background(), shop, domain.CollectionSales, id)
	return err == nil
}

func TestEnqueueSurvivesRestartInOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := f.queue.Enqueue(ctx, planFor(t, fmt.Sprintf("sale-%d", i), 1)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	logger, _ := logtest.NewNullLogger()
	restarted := New(shop, f.local, f.committer, nil, logger)
	entries, err := restarted.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries after restart, got %d", len(entries))
	}
	for i, e := range entries {
		if want := fmt.Sprintf("sale-%d", i+1); e.Plan.SaleID != want {
			t.Fatalf("entry %d: expected %s, got %s", i, want, e.Plan.SaleID)
		}
	}

	raw, ok, _ := f.local.Get(ctx, Key(shop))
	if !ok {
		t.Fatalf("expected %s to be persisted", Key(shop))
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.SchemaVersion != SchemaVersion {
		t.Fatalf("expected schema version %d, got %d err=%v", SchemaVersion, env.SchemaVersion, err)
	}
}

func TestEnqueueIsIdempotentByPlanID(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	plan := planFor(t, "sale-1", 1)

	first, err := f.queue.Enqueue(ctx, plan)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := f.queue.Enqueue(ctx, plan)
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if first.EntryID != second.EntryID {
		t.Fatalf("expected same entry, got %s and %s", first.EntryID, second.EntryID)
	}
	entries, _ := f.queue.Pending(ctx)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestEnqueueRejectsOtherShop(t *testing.T) {
	f := newFixture()
	plan := planFor(t, "sale-1", 1)
	plan.ShopID = "shop-2"
	if _, err := f.queue.Enqueue(context.Background(), plan); !errors.Is(err, ErrShopMismatch) {
		t.Fatalf("expected ErrShopMismatch, got %v", err)
	}
}

func TestDrainAppliesEachPlanOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	before := f.stock(t)

	for i := 1; i <= 3; i++ {
		_, _ = f.queue.Enqueue(ctx, planFor(t, fmt.Sprintf("sale-%d", i), 2))
	}
	report, err := f.queue.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Attempted != 3 || report.Succeeded != 3 || report.Failed != 0 || report.Remaining != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := f.stock(t); got != before-6 {
		t.Fatalf("expected stock %d, got %d", before-6, got)
	}
	if state, _ := f.queue.State(ctx); state != StateEmpty {
		t.Fatalf("expected EMPTY, got %s", state)
	}
	if _, ok, _ := f.local.Get(ctx, Key(shop)); ok {
		t.Fatalf("expected queue key removed once empty")
	}

	report, err = f.queue.Drain(ctx)
	if err != nil || report.Attempted != 0 {
		t.Fatalf("expected empty second drain, report=%+v err=%v", report, err)
	}
	if got := f.stock(t); got != before-6 {
		t.Fatalf("second drain changed stock to %d", got)
	}
}

func TestDrainRetainsOnlyFailedEntry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	before := f.stock(t)

	plans := []domain.MutationPlan{planFor(t, "sale-1", 1), planFor(t, "sale-2", 2), planFor(t, "sale-3", 4)}
	for _, p := range plans {
		_, _ = f.queue.Enqueue(ctx, p)
	}
	f.committer.fail[plans[1].ID] = true

	report, err := f.queue.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Succeeded != 2 || report.Failed != 1 || report.Remaining != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Failures) != 1 || !report.Failures[0].Transient || report.Failures[0].SaleID != "sale-2" {
		t.Fatalf("unexpected failures %+v", report.Failures)
	}

	entries, _ := f.queue.Pending(ctx)
	if len(entries) != 1 || entries[0].Plan.ID != plans[1].ID {
		t.Fatalf("expected only the second plan left, got %+v", entries)
	}
	if entries[0].Attempts != 1 || entries[0].LastError == "" {
		t.Fatalf("expected attempt recorded, got %+v", entries[0])
	}
	if got := f.stock(t); got != before-5 {
		t.Fatalf("expected stock %d after plans 1 and 3, got %d", before-5, got)
	}
	if !f.saleExists("sale-1") || f.saleExists("sale-2") || !f.saleExists("sale-3") {
		t.Fatalf("unexpected sales in remote store")
	}

	delete(f.committer.fail, plans[1].ID)
	if _, err := f.queue.Drain(ctx); err != nil {
		t.Fatalf("retry drain: %v", err)
	}
	if got := f.stock(t); got != before-7 {
		t.Fatalf("expected stock %d after retry, got %d", before-7, got)
	}
}

func TestDrainPicksUpEntriesEnqueuedMidDrain(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, _ = f.queue.Enqueue(ctx, planFor(t, "sale-1", 1))

	f.committer.block = make(chan struct{})
	done := make(chan DrainReport, 1)
	go func() {
		report, _ := f.queue.Drain(ctx)
		done <- report
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if state, _ := f.queue.State(ctx); state == StateDraining {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("drain never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := f.queue.Drain(ctx); !errors.Is(err, ErrDrainInProgress) {
		t.Fatalf("expected ErrDrainInProgress, got %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, planFor(t, "sale-2", 1)); err != nil {
		t.Fatalf("enqueue during drain: %v", err)
	}
	close(f.committer.block)

	report := <-done
	if report.Attempted != 2 || report.Succeeded != 2 || report.Remaining != 0 {
		t.Fatalf("expected the late entry drained by a second pass, got %+v", report)
	}
	f.committer.mu.Lock()
	calls := append([]string(nil), f.committer.calls...)
	f.committer.mu.Unlock()
	if len(calls) != 2 || calls[0] != ledger.PlanID("sale-1") || calls[1] != ledger.PlanID("sale-2") {
		t.Fatalf("expected FIFO commits, got %v", calls)
	}
}

func TestDrainStopsAfterFailedPassWithLateEntry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	first := planFor(t, "sale-1", 1)
	_, _ = f.queue.Enqueue(ctx, first)
	f.committer.fail[first.ID] = true

	f.committer.block = make(chan struct{})
	done := make(chan DrainReport, 1)
	go func() {
		report, _ := f.queue.Drain(ctx)
		done <- report
	}()
	for state, _ := f.queue.State(ctx); state != StateDraining; state, _ = f.queue.State(ctx) {
		time.Sleep(time.Millisecond)
	}
	_, _ = f.queue.Enqueue(ctx, planFor(t, "sale-2", 1))
	close(f.committer.block)

	// sale-2 must not overtake the failed sale-1.
	report := <-done
	if report.Attempted != 1 || report.Failed != 1 || report.Remaining != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if f.saleExists("sale-2") {
		t.Fatalf("late entry committed ahead of a failed one")
	}
}

type lostLease struct{}

func (lostLease) Refresh(context.Context) error { return kv.ErrLockLost }
func (lostLease) Release(context.Context) error { return nil }

type leaseLocker struct{ lease kv.Lease }

func (l leaseLocker) Obtain(context.Context, string) (kv.Lease, error) { return l.lease, nil }

func TestDrainStopsWhenLockIsLost(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	f := newFixture()
	ctx := context.Background()
	q := New(shop, f.local, f.committer, leaseLocker{lostLease{}}, logger)
	_, _ = q.Enqueue(ctx, planFor(t, "sale-1", 1))

	report, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Attempted != 0 || report.Remaining != 1 {
		t.Fatalf("expected nothing replayed without the lock, got %+v", report)
	}
	if len(f.committer.calls) != 0 {
		t.Fatalf("expected no commits, got %v", f.committer.calls)
	}
}

func TestSQLiteQueueSurvivesRestart(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	local, err := kv.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	q := New(shop, local, nil, nil, logger)
	for _, id := range []string{"sale-1", "sale-2"} {
		if _, err := q.Enqueue(ctx, planFor(t, id, 1)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	_ = local.Close()

	reopened, err := kv.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	entries, err := New(shop, reopened, nil, nil, logger).Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(entries) != 2 || entries[0].Plan.SaleID != "sale-1" || entries[1].Plan.SaleID != "sale-2" {
		t.Fatalf("expected both sales back in order, got %+v", entries)
	}
}

func TestDrainDoesNotDoubleApplyAfterLostRemoval(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	before := f.stock(t)
	plan := planFor(t, "sale-1", 3)

	// Committed remotely, but the process died before the queue was rewritten.
	if _, err := f.committer.inner.Commit(ctx, plan); err != nil {
		t.Fatalf("direct commit: %v", err)
	}
	_, _ = f.queue.Enqueue(ctx, plan)

	report, err := f.queue.Drain(ctx)
	if err != nil || report.Succeeded != 1 {
		t.Fatalf("unexpected drain report=%+v err=%v", report, err)
	}
	if got := f.stock(t); got != before-3 {
		t.Fatalf("expected stock %d, got %d", before-3, got)
	}
}

func TestLegacyArrayIsUpgraded(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	plan := planFor(t, "sale-old", 1)
	legacy, _ := json.Marshal([]domain.MutationPlan{plan})
	_ = f.local.Set(ctx, Key(shop), legacy)

	entries, err := f.queue.Pending(ctx)
	if err != nil || len(entries) != 1 || entries[0].Plan.SaleID != "sale-old" {
		t.Fatalf("expected upgraded legacy entry, got %+v err=%v", entries, err)
	}

	_, _ = f.queue.Enqueue(ctx, planFor(t, "sale-new", 1))
	raw, _, _ := f.local.Get(ctx, Key(shop))
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.SchemaVersion != SchemaVersion || len(env.Entries) != 2 {
		t.Fatalf("expected rewritten envelope with 2 entries, got %s", raw)
	}
}

func TestUnknownSchemaIsRefused(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_ = f.local.Set(ctx, Key(shop), []byte(`{"schema_version":9,"entries":[]}`))

	if _, err := f.queue.Pending(ctx); !errors.Is(err, ErrUnsupportedSchema) {
		t.Fatalf("expected ErrUnsupportedSchema, got %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, planFor(t, "sale-1", 1)); !errors.Is(err, ErrUnsupportedSchema) {
		t.Fatalf("enqueue must not overwrite an unknown schema, got %v", err)
	}
}
