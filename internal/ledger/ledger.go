// Package ledger turns a finalised sale into the store writes that commit it.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/pricing"
)

var ErrMissingSession = errors.New("shop id and cashier id are required")

// SaleInput is everything BuildSale needs besides the session. Customer is
// nil for a walk-in sale.
type SaleInput struct {
	ID                 string
	Items              []domain.CartLineItem
	Customer           *domain.Customer
	AdditionalDiscount decimal.Decimal
	AmountPaid         decimal.Decimal
	Now                time.Time
}

// BuildSale validates the checkout and returns the immutable sale record.
// Nothing is written; a refused sale leaves no trace.
func BuildSale(session domain.Session, in SaleInput) (domain.SaleRecord, pricing.Summary, error) {
	if strings.TrimSpace(session.ShopID) == "" || strings.TrimSpace(session.CashierID) == "" {
		return domain.SaleRecord{}, pricing.Summary{}, ErrMissingSession
	}

	walkIn := in.Customer == nil || in.Customer.ID == "" || in.Customer.ID == domain.WalkInCustomerID
	previousDue := decimal.Zero
	if !walkIn {
		previousDue = in.Customer.DueBalance
	}

	summary, err := pricing.Finalize(pricing.Input{
		Items:              in.Items,
		AdditionalDiscount: in.AdditionalDiscount,
		PreviousDue:        previousDue,
		AmountPaid:         in.AmountPaid,
		WalkIn:             walkIn,
	})
	if err != nil {
		return domain.SaleRecord{}, pricing.Summary{}, err
	}

	items := make([]domain.CartLineItem, len(in.Items))
	for i, item := range in.Items {
		item.DiscountPerUnit = pricing.PerUnitDiscount(item.Price, item.Discount)
		items[i] = item
	}

	sale := domain.SaleRecord{
		ID:                 in.ID,
		ShopID:             session.ShopID,
		Items:              items,
		Subtotal:           summary.Subtotal,
		ItemDiscount:       summary.ItemDiscount,
		AdditionalDiscount: summary.AdditionalDiscount,
		TotalDiscount:      summary.TotalDiscount,
		Total:              summary.AfterAdditionalDiscount,
		TotalProfit:        summary.Profit,
		PreviousDue:        summary.PreviousDue,
		GrandTotal:         summary.GrandTotal,
		AmountPaid:         summary.AmountPaid,
		Change:             summary.Change,
		NewDue:             summary.NewDue,
		PaymentType:        summary.PaymentType,
		CashierID:          session.CashierID,
		CustomerID:         domain.WalkInCustomerID,
		CustomerName:       domain.WalkInCustomerName,
		CreatedAt:          in.Now.UTC(),
	}
	if !walkIn {
		sale.CustomerID = in.Customer.ID
		sale.CustomerName = in.Customer.Name
	}
	return sale, summary, nil
}

func PlanID(saleID string) string {
	return "plan-" + saleID
}

// BuildPlan lists the writes for one sale: a stock decrement per distinct
// barcode, the customer's new due balance unless walk-in, and the sale
// itself. The same sale always yields the same plan.
func BuildPlan(sale domain.SaleRecord) (domain.MutationPlan, error) {
	if sale.ID == "" || sale.ShopID == "" {
		return domain.MutationPlan{}, errors.New("sale id and shop id are required")
	}

	var mutations []domain.Mutation
	index := map[string]int{}
	for _, item := range sale.Items {
		if i, ok := index[item.Barcode]; ok {
			mutations[i].Delta -= int64(item.Quantity)
			continue
		}
		index[item.Barcode] = len(mutations)
		mutations = append(mutations, domain.Mutation{
			Op:         domain.MutationIncrement,
			Collection: domain.CollectionProducts,
			DocID:      item.Barcode,
			Field:      "quantity",
			Delta:      -int64(item.Quantity),
		})
	}

	// The due change travels as a delta so payments taken while this plan
	// waits in the queue are not overwritten when it commits.
	if delta := sale.NewDue.Sub(sale.PreviousDue); !sale.IsWalkIn() && !delta.IsZero() {
		mutations = append(mutations, domain.Mutation{
			Op:         domain.MutationAdd,
			Collection: domain.CollectionCustomers,
			DocID:      sale.CustomerID,
			Field:      "due_balance",
			Amount:     &delta,
		})
	}

	record, err := json.Marshal(sale)
	if err != nil {
		return domain.MutationPlan{}, fmt.Errorf("encode sale %s: %w", sale.ID, err)
	}
	mutations = append(mutations, domain.Mutation{
		Op:         domain.MutationSet,
		Collection: domain.CollectionSales,
		DocID:      sale.ID,
		Data:       record,
	})

	plan := domain.MutationPlan{
		ID:        PlanID(sale.ID),
		ShopID:    sale.ShopID,
		SaleID:    sale.ID,
		CreatedAt: sale.CreatedAt,
		Mutations: mutations,
	}
	if !sale.IsWalkIn() {
		plan.CustomerID = sale.CustomerID
	}
	return plan, nil
}

// SaleFromPlan recovers the sale record carried by a plan.
func SaleFromPlan(plan domain.MutationPlan) (domain.SaleRecord, bool) {
	for _, m := range plan.Mutations {
		if m.Op == domain.MutationSet && m.Collection == domain.CollectionSales {
			var sale domain.SaleRecord
			if err := json.Unmarshal(m.Data, &sale); err != nil {
				return domain.SaleRecord{}, false
			}
			return sale, true
		}
	}
	return domain.SaleRecord{}, false
}
