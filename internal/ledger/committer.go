package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"aasanpos/backend/internal/config"
	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/store"
)

type CommitResult struct {
	Warnings []string `json:"warnings,omitempty"`
	// AlreadyApplied is set when the sale was found in the store, meaning an
	// earlier attempt committed the whole plan.
	AlreadyApplied bool `json:"already_applied,omitempty"`
}

// Committer applies plans to the remote store as one atomic batch.
type Committer struct {
	store store.DocumentStore
	log   logrus.FieldLogger
}

func NewCommitter(s store.DocumentStore, log logrus.FieldLogger) *Committer {
	return &Committer{store: s, log: log}
}

// Commit writes the plan or nothing. Stock decrements for products and due
// adjustments for customers that no longer exist are dropped with a warning
// so the sale itself is kept.
// A plan whose sale already exists is not applied twice. Errors wrapping
// store.ErrUnavailable are transient.
func (c *Committer) Commit(ctx context.Context, plan domain.MutationPlan) (CommitResult, error) {
	var result CommitResult
	_, err := c.store.Get(ctx, plan.ShopID, domain.CollectionSales, plan.SaleID)
	if err == nil {
		result.AlreadyApplied = true
		return result, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return CommitResult{}, err
	}

	mutations := make([]domain.Mutation, 0, len(plan.Mutations))

	for _, m := range plan.Mutations {
		if m.Op == domain.MutationIncrement || m.Op == domain.MutationAdd {
			_, err := c.store.Get(ctx, plan.ShopID, m.Collection, m.DocID)
			if errors.Is(err, store.ErrNotFound) {
				result.Warnings = append(result.Warnings, c.skipMissing(plan, m))
				continue
			}
			if err != nil {
				return CommitResult{}, err
			}
		}
		mutations = append(mutations, m)
	}

	if err := c.store.Commit(ctx, plan.ShopID, mutations); err != nil {
		config.LogError(c.log, "ledger", "Commit", "commit sale plan", map[string]string{
			"shop_id": plan.ShopID,
			"plan_id": plan.ID,
		}, err)
		return CommitResult{}, err
	}
	return result, nil
}

func (c *Committer) skipMissing(plan domain.MutationPlan, m domain.Mutation) string {
	entry := c.log.WithFields(logrus.Fields{
		"module":  "ledger",
		"shop_id": plan.ShopID,
		"sale_id": plan.SaleID,
	})
	if m.Collection == domain.CollectionCustomers {
		entry.WithField("customer_id", m.DocID).Warn("skipping due adjustment for missing customer")
		return fmt.Sprintf("customer %s no longer exists, due balance not adjusted for sale %s", m.DocID, plan.SaleID)
	}
	entry.WithField("barcode", m.DocID).Warn("skipping stock decrement for missing product")
	return fmt.Sprintf("product %s no longer exists, stock not adjusted for sale %s", m.DocID, plan.SaleID)
}
