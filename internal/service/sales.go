package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/store"
)

func ParsePeriod(raw string) (domain.SalesPeriod, error) {
	switch p := domain.SalesPeriod(strings.ToLower(strings.TrimSpace(raw))); p {
	case "", domain.PeriodAll:
		return domain.PeriodAll, nil
	case domain.PeriodToday, domain.PeriodWeek, domain.PeriodMonth:
		return p, nil
	}
	return "", fmt.Errorf("%w: period must be all, today, week or month", ErrInvalidInput)
}

// ListSales filters the displayed sales by period and sale id fragment and
// totals what matched. Revenue counts each sale's total after all discounts.
func (s *Service) ListSales(ctx context.Context, period domain.SalesPeriod, query string) (domain.SalesReport, error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return domain.SalesReport{}, err
	}
	if period == "" {
		period = domain.PeriodAll
	}

	now := s.now()
	query = strings.TrimSpace(query)
	report := domain.SalesReport{
		Period:  period,
		Revenue: decimal.Zero,
		Profit:  decimal.Zero,
		Sales:   []domain.SaleRecord{},
	}
	for _, sale := range t.Sales() {
		if !inPeriod(sale.CreatedAt, period, now) {
			continue
		}
		if query != "" && !strings.Contains(sale.ID, query) {
			continue
		}
		report.Sales = append(report.Sales, sale)
		report.Revenue = report.Revenue.Add(sale.Total)
		report.Profit = report.Profit.Add(sale.TotalProfit)
	}
	report.Transactions = len(report.Sales)
	return report, nil
}

func inPeriod(at time.Time, period domain.SalesPeriod, now time.Time) bool {
	at = at.In(now.Location())
	switch period {
	case domain.PeriodToday:
		return sameDay(at, now)
	case domain.PeriodWeek:
		return !at.Before(now.AddDate(0, 0, -7))
	case domain.PeriodMonth:
		return at.Year() == now.Year() && at.Month() == now.Month()
	}
	return true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (s *Service) DeleteSale(ctx context.Context, id string) error {
	_, err := s.DeleteSales(ctx, domain.DeleteSalesRequest{SaleIDs: []string{id}})
	return err
}

// DeleteSales removes sale records from history in one atomic batch and
// reports how many it removed; unknown ids are skipped. It is an audit
// correction only: stock and due balances stay as they are. Sales still
// confirming or waiting in the offline queue cannot be deleted.
func (s *Service) DeleteSales(ctx context.Context, req domain.DeleteSalesRequest) (int, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return 0, err
	}
	t, err := s.terminal(ctx)
	if err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(req.SaleIDs))
	seen := map[string]bool{}
	for _, id := range req.SaleIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no sale ids given", ErrInvalidInput)
	}

	// Confirming first: a sale leaves that window only once it is remote or
	// already queued.
	for _, id := range ids {
		if t.Confirming(id) {
			return 0, fmt.Errorf("%w: sale %s is still being confirmed", ErrInvalidInput, id)
		}
	}
	pending, err := t.Queue().Pending(ctx)
	if err != nil {
		return 0, err
	}
	for _, entry := range pending {
		if seen[entry.Plan.SaleID] {
			return 0, fmt.Errorf("%w: sale %s has not synced yet", ErrInvalidInput, entry.Plan.SaleID)
		}
	}

	shown := map[string]bool{}
	for _, sale := range t.Sales() {
		shown[sale.ID] = true
	}
	known := ids[:0]
	for _, id := range ids {
		if shown[id] {
			known = append(known, id)
		}
	}
	if len(known) == 0 {
		return 0, store.ErrNotFound
	}
	ids = known

	mutations := make([]domain.Mutation, 0, len(ids))
	for _, id := range ids {
		mutations = append(mutations, domain.Mutation{
			Op:         domain.MutationDelete,
			Collection: domain.CollectionSales,
			DocID:      id,
		})
	}
	if err := s.store.Commit(ctx, t.ShopID(), mutations); err != nil {
		return 0, err
	}
	t.RemoveSales(ids)

	s.log.WithFields(logrus.Fields{
		"shop_id":  t.ShopID(),
		"sale_ids": ids,
		"actor":    actor.Username,
	}).Warn("sales deleted from history, stock and due balances were not restored")
	return len(ids), nil
}

// Dashboard summarises the shop: lifetime and today's revenue, catalog and
// customer counts, and revenue for each of the last seven days.
func (s *Service) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Dashboard{}, err
	}
	t, err := s.terminal(ctx)
	if err != nil {
		return domain.Dashboard{}, err
	}

	now := s.now()
	days := make([]domain.DailyRevenue, 7)
	index := make(map[string]int, len(days))
	for i := range days {
		day := now.AddDate(0, 0, i-6).Format(time.DateOnly)
		days[i] = domain.DailyRevenue{Date: day, Revenue: decimal.Zero}
		index[day] = i
	}

	out := domain.Dashboard{
		TotalRevenue:   decimal.Zero,
		TodayRevenue:   decimal.Zero,
		TotalProducts:  len(t.Products()),
		TotalCustomers: len(t.Customers()),
	}
	for _, sale := range t.Sales() {
		out.TotalRevenue = out.TotalRevenue.Add(sale.Total)
		at := sale.CreatedAt.In(now.Location())
		if sameDay(at, now) {
			out.TodayRevenue = out.TodayRevenue.Add(sale.Total)
		}
		if i, ok := index[at.Format(time.DateOnly)]; ok {
			days[i].Revenue = days[i].Revenue.Add(sale.Total)
		}
	}
	out.LastSevenDays = days
	return out, nil
}
