// Package pricing derives cart and sale totals. Every function is pure.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"aasanpos/backend/internal/domain"
)

var (
	ErrEmptyCart            = errors.New("cart is empty")
	ErrUnderpaid            = errors.New("amount paid is less than the cart total")
	ErrOverpaid             = errors.New("amount paid exceeds the grand total")
	ErrNegativeDiscount     = errors.New("additional discount must not be negative")
	ErrDiscountExceedsTotal = errors.New("additional discount exceeds the cart total")
	ErrNegativeAmount       = errors.New("amount paid must not be negative")
)

var hundred = decimal.NewFromInt(100)

// Places is the precision every summary amount is rounded to.
const Places = 2

// PerUnitDiscount clamps the descriptor into range: a percentage into
// [0,100] and a fixed amount into [0,price].
func PerUnitDiscount(price decimal.Decimal, d domain.Discount) decimal.Decimal {
	if price.IsNegative() {
		return decimal.Zero
	}
	switch d.Type {
	case domain.DiscountPercentage:
		return price.Mul(clamp(d.Value, decimal.Zero, hundred)).Div(hundred)
	case domain.DiscountFixed:
		return clamp(d.Value, decimal.Zero, price)
	default:
		return decimal.Zero
	}
}

func LineTotal(item domain.CartLineItem) decimal.Decimal {
	unit := item.Price.Sub(PerUnitDiscount(item.Price, item.Discount))
	return unit.Mul(decimal.NewFromInt(int64(item.Quantity)))
}

// Subtotal is the pre-discount cart value.
func Subtotal(items []domain.CartLineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

func TotalItemDiscount(items []domain.CartLineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		per := PerUnitDiscount(item.Price, item.Discount)
		total = total.Add(per.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

func costOfGoods(items []domain.CartLineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.BuyPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// Profit is Σ((price - perUnitDiscount) - buyPrice) * qty minus the
// cart-level discount.
func Profit(items []domain.CartLineItem, additional decimal.Decimal) decimal.Decimal {
	net := Subtotal(items).Sub(TotalItemDiscount(items))
	return net.Sub(costOfGoods(items)).Sub(additional).Round(Places)
}

type Input struct {
	Items              []domain.CartLineItem
	AdditionalDiscount decimal.Decimal
	PreviousDue        decimal.Decimal
	AmountPaid         decimal.Decimal
	WalkIn             bool
}

type Summary struct {
	Subtotal                decimal.Decimal    `json:"subtotal"`
	ItemDiscount            decimal.Decimal    `json:"item_discount"`
	AfterItemDiscounts      decimal.Decimal    `json:"after_item_discounts"`
	AdditionalDiscount      decimal.Decimal    `json:"additional_discount"`
	AfterAdditionalDiscount decimal.Decimal    `json:"after_additional_discount"`
	TotalDiscount           decimal.Decimal    `json:"total_discount"`
	PreviousDue             decimal.Decimal    `json:"previous_due"`
	GrandTotal              decimal.Decimal    `json:"grand_total"`
	AmountPaid              decimal.Decimal    `json:"amount_paid"`
	Change                  decimal.Decimal    `json:"change"`
	NewDue                  decimal.Decimal    `json:"new_due"`
	Profit                  decimal.Decimal    `json:"profit"`
	PaymentType             domain.PaymentType `json:"payment_type"`
}

// Quote computes the display totals for a cart. It refuses only inputs that
// cannot produce a meaningful total; Finalize adds the checkout rules.
func Quote(in Input) (Summary, error) {
	if in.AdditionalDiscount.IsNegative() {
		return Summary{}, ErrNegativeDiscount
	}
	if in.AmountPaid.IsNegative() {
		return Summary{}, ErrNegativeAmount
	}

	s := Summary{
		Subtotal:           Subtotal(in.Items).Round(Places),
		ItemDiscount:       TotalItemDiscount(in.Items).Round(Places),
		AdditionalDiscount: in.AdditionalDiscount.Round(Places),
		AmountPaid:         in.AmountPaid.Round(Places),
		PreviousDue:        decimal.Zero,
		Change:             decimal.Zero,
		NewDue:             decimal.Zero,
	}
	s.AfterItemDiscounts = s.Subtotal.Sub(s.ItemDiscount)
	if s.AdditionalDiscount.GreaterThan(s.AfterItemDiscounts) {
		return Summary{}, ErrDiscountExceedsTotal
	}
	s.AfterAdditionalDiscount = s.AfterItemDiscounts.Sub(s.AdditionalDiscount)
	s.TotalDiscount = s.ItemDiscount.Add(s.AdditionalDiscount)
	if !in.WalkIn {
		s.PreviousDue = in.PreviousDue.Round(Places)
	}
	s.GrandTotal = s.AfterAdditionalDiscount.Add(s.PreviousDue)
	s.Profit = s.AfterItemDiscounts.Sub(costOfGoods(in.Items).Round(Places)).Sub(s.AdditionalDiscount)

	if in.WalkIn {
		if s.AmountPaid.GreaterThan(s.GrandTotal) {
			s.Change = s.AmountPaid.Sub(s.GrandTotal)
		}
	} else {
		s.NewDue = s.GrandTotal.Sub(s.AmountPaid)
	}

	s.PaymentType = domain.PaymentCash
	if s.AmountPaid.LessThan(s.GrandTotal) {
		s.PaymentType = domain.PaymentCredit
	}
	return s, nil
}

// Finalize is Quote plus the rules a sale must satisfy before any mutation:
// a non-empty cart, a walk-in paying at least the cart total, and a credit
// customer never paying past the grand total.
func Finalize(in Input) (Summary, error) {
	if len(in.Items) == 0 {
		return Summary{}, ErrEmptyCart
	}
	s, err := Quote(in)
	if err != nil {
		return Summary{}, err
	}
	if in.WalkIn && s.AmountPaid.LessThan(s.AfterAdditionalDiscount) {
		return Summary{}, ErrUnderpaid
	}
	if !in.WalkIn && s.NewDue.IsNegative() {
		return Summary{}, ErrOverpaid
	}
	return s, nil
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
