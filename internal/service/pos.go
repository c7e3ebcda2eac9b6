package service

import (
	"context"
	"strings"

	"aasanpos/backend/internal/cart"
	"aasanpos/backend/internal/connectivity"
	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/offline"
	"aasanpos/backend/internal/pricing"
	"aasanpos/backend/internal/terminal"
)

type CartView struct {
	Items   []domain.CartLineItem `json:"items"`
	Summary pricing.Summary       `json:"summary"`
}

type QueueStatus struct {
	State          offline.State   `json:"state"`
	Online         bool            `json:"online"`
	StoreReachable bool            `json:"store_reachable"`
	Entries        []offline.Entry `json:"entries"`
}

// ConnectivityState pairs the browser-reported status with the store's
// health as last observed; a store failure never flips Status.
type ConnectivityState struct {
	Status         connectivity.Status `json:"status"`
	Online         bool                `json:"online"`
	StoreReachable bool                `json:"store_reachable"`
}

func (s *Service) Cart(ctx context.Context) (CartView, error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return CartView{}, err
	}
	items := t.Cart().Items()
	summary, err := pricing.Quote(pricing.Input{Items: items, WalkIn: true})
	if err != nil {
		return CartView{}, err
	}
	return CartView{Items: items, Summary: summary}, nil
}

func (s *Service) AddToCart(ctx context.Context, barcode string) (domain.CartLineItem, error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return domain.CartLineItem{}, err
	}
	return t.Cart().Add(strings.TrimSpace(barcode))
}

func (s *Service) IncrementCartItem(ctx context.Context, barcode string) (domain.CartLineItem, error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return domain.CartLineItem{}, err
	}
	return t.Cart().Increment(barcode)
}

// DecrementCartItem reports removed=true when the line dropped to zero and
// left the cart.
func (s *Service) DecrementCartItem(ctx context.Context, barcode string) (line domain.CartLineItem, removed bool, err error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return domain.CartLineItem{}, false, err
	}
	line, kept, err := t.Cart().Decrement(barcode)
	if err != nil {
		return domain.CartLineItem{}, false, err
	}
	return line, !kept, nil
}

func (s *Service) EditCartItem(ctx context.Context, barcode string, edit cart.Edit) (domain.CartLineItem, error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return domain.CartLineItem{}, err
	}
	return t.Cart().Edit(barcode, edit)
}

func (s *Service) RemoveCartItem(ctx context.Context, barcode string) error {
	t, err := s.terminal(ctx)
	if err != nil {
		return err
	}
	return t.Cart().Remove(barcode)
}

func (s *Service) ClearCart(ctx context.Context) error {
	t, err := s.terminal(ctx)
	if err != nil {
		return err
	}
	t.Cart().Clear()
	return nil
}

func (s *Service) Quote(ctx context.Context, req domain.CheckoutRequest) (pricing.Summary, error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return pricing.Summary{}, err
	}
	return t.Quote(req)
}

// Checkout finalises the cart as the calling cashier. The receipt is final
// once returned; the confirmation reports whether the sale reached the
// remote store or the offline queue.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (terminal.Receipt, *terminal.Confirmation, error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return terminal.Receipt{}, nil, err
	}
	cashierID := ""
	if actor, ok := ActorFromContext(ctx); ok {
		cashierID = actor.Username
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	return t.Checkout(ctx, cashierID, req)
}

// ReportConnectivity forwards a status observed by the terminal shell to the
// shop's monitor. Only transitions have an effect.
func (s *Service) ReportConnectivity(ctx context.Context, status connectivity.Status) (ConnectivityState, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return ConnectivityState{}, err
	}
	sess.monitor.Report(status)
	return ConnectivityState{Status: status, Online: sess.terminal.Online(), StoreReachable: sess.terminal.StoreReachable()}, nil
}

func (s *Service) Connectivity(ctx context.Context) (ConnectivityState, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return ConnectivityState{}, err
	}
	return ConnectivityState{Status: sess.monitor.Status(), Online: sess.terminal.Online(), StoreReachable: sess.terminal.StoreReachable()}, nil
}

func (s *Service) QueueStatus(ctx context.Context) (QueueStatus, error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	state, err := t.Queue().State(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	entries, err := t.Queue().Pending(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	if entries == nil {
		entries = []offline.Entry{}
	}
	return QueueStatus{State: state, Online: t.Online(), StoreReachable: t.StoreReachable(), Entries: entries}, nil
}

func (s *Service) DrainQueue(ctx context.Context) (offline.DrainReport, error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return offline.DrainReport{}, err
	}
	return t.Drain(ctx)
}

func (s *Service) Notices(ctx context.Context) []connectivity.Notice {
	return s.notices.Recent(s.shopID(ctx))
}
