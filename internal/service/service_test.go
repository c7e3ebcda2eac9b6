package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"aasanpos/backend/internal/connectivity"
	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/kv"
	"aasanpos/backend/internal/offline"
	"aasanpos/backend/internal/store"
	"aasanpos/backend/internal/store/memory"
	"aasanpos/backend/internal/terminal"
)

const testShop = "main-shop"

const pen = "8901030865278"

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	repo := memory.NewSeeded(testShop)
	svc := New(Options{
		Store:         repo,
		KV:            kv.NewMemory(),
		Log:           log,
		DefaultShopID: testShop,
	})
	t.Cleanup(svc.Close)
	return svc, repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin, ShopID: testShop})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier, ShopID: testShop})
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sellPens(t *testing.T, svc *Service, ctx context.Context, qty int) (terminal.Receipt, terminal.Outcome) {
	t.Helper()
	for i := 0; i < qty; i++ {
		if _, err := svc.AddToCart(ctx, pen); err != nil {
			t.Fatalf("add to cart: %v", err)
		}
	}
	receipt, conf, err := svc.Checkout(ctx, domain.CheckoutRequest{
		AmountPaid: decimal.NewFromInt(int64(10 * qty)),
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := conf.Wait(waitCtx)
	if err != nil {
		t.Fatalf("confirmation did not resolve: %v", err)
	}
	return receipt, outcome
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateProduct(cashierCtx(), domain.ProductRequest{
		Barcode: "1111", Name: "Eraser", BuyPrice: money("3"), SalePrice: money("5"), Quantity: 10,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCreateProductRejectsDuplicateBarcode(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := adminCtx()

	req := domain.ProductRequest{Barcode: " 1111 ", Name: "Eraser", BuyPrice: money("3"), SalePrice: money("5.499"), Quantity: 10}
	created, err := svc.CreateProduct(ctx, req)
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	if created.Barcode != "1111" || !created.SalePrice.Equal(money("5.5")) {
		t.Fatalf("expected trimmed barcode and rounded price, got %+v", created)
	}
	if _, err := repo.Get(context.Background(), testShop, domain.CollectionProducts, "1111"); err != nil {
		t.Fatalf("expected product in store: %v", err)
	}

	if _, err := svc.CreateProduct(ctx, req); !errors.Is(err, ErrDuplicateBarcode) {
		t.Fatalf("expected ErrDuplicateBarcode, got %v", err)
	}

	products, err := svc.ListProducts(cashierCtx())
	if err != nil {
		t.Fatalf("list products failed: %v", err)
	}
	if len(products) != 9 {
		t.Fatalf("expected 9 products, got %d", len(products))
	}
}

func TestCreateProductValidatesFields(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := adminCtx()

	cases := map[string]domain.ProductRequest{
		"missing name":   {Barcode: "2222", SalePrice: money("5")},
		"zero price":     {Barcode: "2222", Name: "Clip", SalePrice: money("0")},
		"negative stock": {Barcode: "2222", Name: "Clip", SalePrice: money("5"), Quantity: -1},
		"negative cost":  {Barcode: "2222", Name: "Clip", BuyPrice: money("-1"), SalePrice: money("5")},
	}
	for name, req := range cases {
		if _, err := svc.CreateProduct(ctx, req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestUpdateProductKeepsBarcode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := adminCtx()

	_, err := svc.UpdateProduct(ctx, pen, domain.ProductRequest{Barcode: "other", Name: "Pen", SalePrice: money("12")})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for barcode change, got %v", err)
	}

	updated, err := svc.UpdateProduct(ctx, pen, domain.ProductRequest{Name: "Pen Blue", BuyPrice: money("7"), SalePrice: money("12"), Quantity: 100})
	if err != nil {
		t.Fatalf("update product failed: %v", err)
	}
	if updated.Name != "Pen Blue" || updated.Quantity != 100 {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	if _, err := svc.UpdateProduct(ctx, "missing", domain.ProductRequest{Name: "X", SalePrice: money("1")}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCustomerLifecycle(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.CreateCustomer(cashierCtx(), domain.CustomerRequest{Name: "Bilal"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without phone, got %v", err)
	}

	due := money("500")
	created, err := svc.CreateCustomer(cashierCtx(), domain.CustomerRequest{Name: "Bilal", Phone: "0300", DueBalance: &due})
	if err != nil {
		t.Fatalf("create customer failed: %v", err)
	}
	if !created.DueBalance.IsZero() {
		t.Fatalf("expected new customer to start with zero due, got %s", created.DueBalance)
	}

	_, err = svc.UpdateCustomer(cashierCtx(), created.ID, domain.CustomerRequest{Name: "Bilal", Phone: "0300", DueBalance: &due})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cashier due override to be forbidden, got %v", err)
	}

	updated, err := svc.UpdateCustomer(cashierCtx(), created.ID, domain.CustomerRequest{Name: "Bilal Ahmed", Phone: "0300", Note: "pays monthly"})
	if err != nil {
		t.Fatalf("update customer failed: %v", err)
	}
	if updated.Name != "Bilal Ahmed" || updated.Note != "pays monthly" {
		t.Fatalf("unexpected customer after update: %+v", updated)
	}

	overridden, err := svc.UpdateCustomer(adminCtx(), created.ID, domain.CustomerRequest{Name: "Bilal Ahmed", Phone: "0300", DueBalance: &due})
	if err != nil {
		t.Fatalf("admin override failed: %v", err)
	}
	if !overridden.DueBalance.Equal(due) {
		t.Fatalf("expected due %s, got %s", due, overridden.DueBalance)
	}

	if err := svc.DeleteCustomer(adminCtx(), created.ID); err != nil {
		t.Fatalf("delete customer failed: %v", err)
	}
	if err := svc.DeleteCustomer(adminCtx(), created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestReceivePayment(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := adminCtx()

	if _, err := svc.ReceivePayment(ctx, "cust-demo", domain.PaymentRequest{Amount: money("300")}); !errors.Is(err, ErrPaymentExceedsDue) {
		t.Fatalf("expected ErrPaymentExceedsDue, got %v", err)
	}
	if _, err := svc.ReceivePayment(ctx, "cust-demo", domain.PaymentRequest{Amount: money("0")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero amount, got %v", err)
	}
	if _, err := svc.ReceivePayment(ctx, "nobody", domain.PaymentRequest{Amount: money("1")}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	customer, err := svc.ReceivePayment(ctx, "cust-demo", domain.PaymentRequest{Amount: money("100")})
	if err != nil {
		t.Fatalf("receive payment failed: %v", err)
	}
	if !customer.DueBalance.Equal(money("150")) {
		t.Fatalf("expected due 150, got %s", customer.DueBalance)
	}

	doc, err := repo.Get(context.Background(), testShop, domain.CollectionCustomers, "cust-demo")
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	stored, err := store.Decode[domain.Customer](doc)
	if err != nil {
		t.Fatalf("decode customer: %v", err)
	}
	if !stored.DueBalance.Equal(money("150")) || stored.Name != "Ayesha Traders" {
		t.Fatalf("expected due 150 with name kept, got %+v", stored)
	}

	if _, err := svc.ReceivePayment(cashierCtx(), "cust-demo", domain.PaymentRequest{Amount: money("1")}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for cashier, got %v", err)
	}
}

func TestCheckoutFeedsSalesReportAndDashboard(t *testing.T) {
	svc, _ := newTestService(t)

	receipt, outcome := sellPens(t, svc, cashierCtx(), 2)
	if outcome.Status != terminal.OutcomeCommitted {
		t.Fatalf("expected committed outcome, got %+v", outcome)
	}
	if receipt.Sale.CashierID != "cashier" {
		t.Fatalf("expected cashier id from actor, got %q", receipt.Sale.CashierID)
	}

	report, err := svc.ListSales(cashierCtx(), domain.PeriodToday, "")
	if err != nil {
		t.Fatalf("list sales failed: %v", err)
	}
	if report.Transactions != 1 || !report.Revenue.Equal(money("20")) || !report.Profit.Equal(money("8")) {
		t.Fatalf("unexpected report: transactions=%d revenue=%s profit=%s", report.Transactions, report.Revenue, report.Profit)
	}

	none, err := svc.ListSales(cashierCtx(), domain.PeriodAll, "no-such-id")
	if err != nil {
		t.Fatalf("list sales failed: %v", err)
	}
	if none.Transactions != 0 || !none.Revenue.IsZero() {
		t.Fatalf("expected empty report for unmatched query, got %+v", none)
	}

	if _, err := svc.Dashboard(cashierCtx()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected dashboard to require admin, got %v", err)
	}
	dash, err := svc.Dashboard(adminCtx())
	if err != nil {
		t.Fatalf("dashboard failed: %v", err)
	}
	if !dash.TodayRevenue.Equal(money("20")) || !dash.TotalRevenue.Equal(money("20")) {
		t.Fatalf("unexpected dashboard revenue: %+v", dash)
	}
	if dash.TotalProducts != 8 || dash.TotalCustomers != 1 || len(dash.LastSevenDays) != 7 {
		t.Fatalf("unexpected dashboard counts: %+v", dash)
	}
	if !dash.LastSevenDays[6].Revenue.Equal(money("20")) {
		t.Fatalf("expected today's bucket to be last, got %+v", dash.LastSevenDays)
	}
}

func TestDeleteSalesDoesNotRestoreStock(t *testing.T) {
	svc, repo := newTestService(t)

	receipt, _ := sellPens(t, svc, cashierCtx(), 3)

	if err := svc.DeleteSale(cashierCtx(), receipt.Sale.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := svc.DeleteSale(adminCtx(), receipt.Sale.ID); err != nil {
		t.Fatalf("delete sale failed: %v", err)
	}
	if _, err := repo.Get(context.Background(), testShop, domain.CollectionSales, receipt.Sale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected sale removed from store, got %v", err)
	}

	doc, err := repo.Get(context.Background(), testShop, domain.CollectionProducts, pen)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	product, err := store.Decode[domain.Product](doc)
	if err != nil {
		t.Fatalf("decode product: %v", err)
	}
	if product.Quantity != 117 {
		t.Fatalf("expected stock to stay at 117, got %d", product.Quantity)
	}

	if err := svc.DeleteSale(adminCtx(), receipt.Sale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted sale, got %v", err)
	}
	if _, err := svc.DeleteSales(adminCtx(), domain.DeleteSalesRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty request, got %v", err)
	}
}

func TestConnectivityEdgesQueueThenDrain(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := cashierCtx()

	if _, err := svc.ReportConnectivity(ctx, connectivity.Offline); err != nil {
		t.Fatalf("report offline: %v", err)
	}
	waitFor(t, "terminal offline", func() bool {
		state, _ := svc.Connectivity(ctx)
		return !state.Online
	})

	receipt, outcome := sellPens(t, svc, ctx, 1)
	if outcome.Status != terminal.OutcomeQueued {
		t.Fatalf("expected queued outcome, got %+v", outcome)
	}
	status, err := svc.QueueStatus(ctx)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if status.State != offline.StateHasPending || len(status.Entries) != 1 {
		t.Fatalf("expected one pending entry, got %+v", status)
	}
	if _, err := repo.Get(context.Background(), testShop, domain.CollectionSales, receipt.Sale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected sale not yet in store, got %v", err)
	}

	if err := svc.DeleteSale(adminCtx(), receipt.Sale.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected pending sale deletion to be refused, got %v", err)
	}

	if _, err := svc.ReportConnectivity(ctx, connectivity.Online); err != nil {
		t.Fatalf("report online: %v", err)
	}
	waitFor(t, "queue drained", func() bool {
		status, err := svc.QueueStatus(ctx)
		return err == nil && status.State == offline.StateEmpty
	})
	if _, err := repo.Get(context.Background(), testShop, domain.CollectionSales, receipt.Sale.ID); err != nil {
		t.Fatalf("expected drained sale in store: %v", err)
	}

	waitFor(t, "sync notice", func() bool {
		for _, n := range svc.Notices(ctx) {
			if n.Level == connectivity.LevelInfo {
				return true
			}
		}
		return false
	})
}

func TestShopsAreIsolated(t *testing.T) {
	svc, _ := newTestService(t)
	other := WithActor(context.Background(), domain.Actor{Username: "cashier2", Role: domain.RoleCashier, ShopID: "branch-2"})

	products, err := svc.ListProducts(other)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(products) != 0 {
		t.Fatalf("expected empty catalog for another shop, got %d", len(products))
	}
	if _, err := svc.AddToCart(other, pen); err == nil {
		t.Fatalf("expected add to fail in a shop without the product")
	}

	if _, err := svc.AddToCart(cashierCtx(), pen); err != nil {
		t.Fatalf("add to cart: %v", err)
	}
	view, err := svc.Cart(other)
	if err != nil {
		t.Fatalf("cart: %v", err)
	}
	if len(view.Items) != 0 {
		t.Fatalf("expected carts to be per shop, got %+v", view.Items)
	}
}

func TestSeedUsersOnlyWhenEmpty(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	svc := New(Options{Store: memory.New(), Log: log, DefaultShopID: testShop})
	t.Cleanup(svc.Close)
	ctx := context.Background()

	if err := svc.SeedUsers(ctx, testShop, "admin-secret", ""); err != nil {
		t.Fatalf("seed users: %v", err)
	}
	users, err := svc.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0].Username != "admin" || users[0].ShopID != testShop {
		t.Fatalf("expected only the admin account, got %+v", users)
	}
	if users[0].Password == "admin-secret" {
		t.Fatalf("expected password to be hashed")
	}

	if err := svc.SeedUsers(ctx, testShop, "x", "y"); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	users, _ = svc.ListUsers(ctx)
	if len(users) != 1 {
		t.Fatalf("expected seeding to be skipped once accounts exist, got %d", len(users))
	}

	if err := svc.UpdateUserPassword(ctx, "admin", "new-hash"); err != nil {
		t.Fatalf("update password: %v", err)
	}
	users, _ = svc.ListUsers(ctx)
	if users[0].Password != "new-hash" || users[0].Role != domain.RoleAdmin {
		t.Fatalf("expected merged password update, got %+v", users[0])
	}
}

func TestParsePeriod(t *testing.T) {
	for raw, want := range map[string]domain.SalesPeriod{"": domain.PeriodAll, "Today": domain.PeriodToday, " week ": domain.PeriodWeek, "month": domain.PeriodMonth} {
		got, err := ParsePeriod(raw)
		if err != nil || got != want {
			t.Fatalf("ParsePeriod(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParsePeriod("year"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
