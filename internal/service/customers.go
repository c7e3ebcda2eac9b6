package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/pricing"
	"aasanpos/backend/internal/store"
	"aasanpos/backend/internal/xid"
)

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return nil, err
	}
	return t.Customers(), nil
}

// CreateCustomer registers a credit customer. Every customer starts with no
// due balance; debt only accrues through sales.
func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerRequest) (domain.Customer, error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return domain.Customer{}, err
	}

	customer := domain.Customer{
		ID:        xid.New("cust"),
		Name:      strings.TrimSpace(req.Name),
		Phone:     strings.TrimSpace(req.Phone),
		Address:   strings.TrimSpace(req.Address),
		Note:      strings.TrimSpace(req.Note),
		CreatedAt: s.now().UTC(),
	}
	if customer.Name == "" || customer.Phone == "" {
		return domain.Customer{}, fmt.Errorf("%w: name and phone are required", ErrInvalidInput)
	}

	doc, err := store.Encode(customer.ID, customer)
	if err != nil {
		return domain.Customer{}, err
	}
	if _, err := s.store.Create(ctx, t.ShopID(), domain.CollectionCustomers, doc); err != nil {
		return domain.Customer{}, err
	}
	t.PutCustomer(customer)
	return customer, nil
}

// UpdateCustomer edits contact details and the note. Overriding the due
// balance is an admin correction and is logged.
func (s *Service) UpdateCustomer(ctx context.Context, id string, req domain.CustomerRequest) (domain.Customer, error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return domain.Customer{}, err
	}

	name := strings.TrimSpace(req.Name)
	phone := strings.TrimSpace(req.Phone)
	if name == "" || phone == "" {
		return domain.Customer{}, fmt.Errorf("%w: name and phone are required", ErrInvalidInput)
	}
	fields := map[string]any{
		"id":      id,
		"name":    name,
		"phone":   phone,
		"address": strings.TrimSpace(req.Address),
		"note":    strings.TrimSpace(req.Note),
	}
	if req.DueBalance != nil {
		actor, err := requireAdmin(ctx)
		if err != nil {
			return domain.Customer{}, err
		}
		due := req.DueBalance.Round(pricing.Places)
		if due.IsNegative() {
			return domain.Customer{}, fmt.Errorf("%w: due balance must not be negative", ErrInvalidInput)
		}
		// An absolute value would be shifted again by the queued sales' deltas.
		unsynced, err := t.HasUnsyncedSales(ctx, id)
		if err != nil {
			return domain.Customer{}, err
		}
		if unsynced {
			return domain.Customer{}, fmt.Errorf("%w: customer %s has sales waiting to sync", ErrInvalidInput, id)
		}
		fields["due_balance"] = due
		s.log.WithFields(logrus.Fields{
			"shop_id":     t.ShopID(),
			"customer_id": id,
			"due_balance": due.String(),
			"actor":       actor.Username,
		}).Warn("due balance overridden")
	}

	if _, err := s.store.Get(ctx, t.ShopID(), domain.CollectionCustomers, id); err != nil {
		return domain.Customer{}, err
	}
	if err := s.mergeCustomer(ctx, t.ShopID(), id, fields); err != nil {
		return domain.Customer{}, err
	}

	s.refresh(ctx, t)
	customer, ok := t.Customer(id)
	if !ok {
		return domain.Customer{}, store.ErrNotFound
	}
	return customer, nil
}

func (s *Service) DeleteCustomer(ctx context.Context, id string) error {
	if _, err := requireAdmin(ctx); err != nil {
		return err
	}
	t, err := s.terminal(ctx)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, t.ShopID(), domain.CollectionCustomers, id); err != nil {
		return err
	}
	t.RemoveCustomer(id)
	return nil
}

// ReceivePayment reduces a customer's due balance. The amount must be
// positive and no larger than what the customer owes.
func (s *Service) ReceivePayment(ctx context.Context, id string, req domain.PaymentRequest) (domain.Customer, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Customer{}, err
	}
	t, err := s.terminal(ctx)
	if err != nil {
		return domain.Customer{}, err
	}

	amount := req.Amount.Round(pricing.Places)
	if !amount.IsPositive() {
		return domain.Customer{}, fmt.Errorf("%w: payment amount must be positive", ErrInvalidInput)
	}
	customer, ok := t.Customer(id)
	if !ok {
		return domain.Customer{}, store.ErrNotFound
	}
	if amount.GreaterThan(customer.DueBalance) {
		return domain.Customer{}, fmt.Errorf("%w: owes %s", ErrPaymentExceedsDue, customer.DueBalance.StringFixed(pricing.Places))
	}

	// Recorded as a delta so sales still queued for this customer land on
	// top of it when they sync.
	paid := amount.Neg()
	err = s.store.Commit(ctx, t.ShopID(), []domain.Mutation{{
		Op:         domain.MutationAdd,
		Collection: domain.CollectionCustomers,
		DocID:      id,
		Field:      "due_balance",
		Amount:     &paid,
	}})
	if err != nil {
		return domain.Customer{}, err
	}
	customer.DueBalance = customer.DueBalance.Sub(amount)
	t.PutCustomer(customer)

	s.log.WithFields(logrus.Fields{
		"shop_id":     t.ShopID(),
		"customer_id": id,
		"amount":      amount.String(),
		"due_balance": customer.DueBalance.String(),
	}).Info("payment received")
	return customer, nil
}

func (s *Service) mergeCustomer(ctx context.Context, shopID string, id string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return s.store.Commit(ctx, shopID, []domain.Mutation{{
		Op:         domain.MutationMerge,
		Collection: domain.CollectionCustomers,
		DocID:      id,
		Data:       data,
	}})
}
