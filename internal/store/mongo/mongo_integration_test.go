package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"

	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/store"
)

func TestCommitAndMergeAgainstMongo(t *testing.T) {
	uri := os.Getenv("POS_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("set POS_TEST_MONGO_URI to run mongo integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, uri, "aasanpos_it")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	shopID := fmt.Sprintf("shop-it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		for _, c := range []string{domain.CollectionProducts, domain.CollectionCustomers, domain.CollectionSales} {
			_, _ = s.db.Collection(c).DeleteMany(ctx, bson.M{"shop_id": shopID})
		}
		_ = s.Close()
	})

	if _, err := s.Create(ctx, shopID, domain.CollectionProducts, store.Document{
		ID:   "P1",
		Data: json.RawMessage(`{"barcode":"P1","name":"Pen","buy_price":"5","sale_price":"10","quantity":10}`),
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := s.Create(ctx, shopID, domain.CollectionProducts, store.Document{ID: "P1", Data: json.RawMessage(`{}`)}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	err = s.Commit(ctx, shopID, []domain.Mutation{
		{Op: domain.MutationIncrement, Collection: domain.CollectionProducts, DocID: "P1", Field: "quantity", Delta: -3},
		{Op: domain.MutationMerge, Collection: domain.CollectionCustomers, DocID: "C1", Data: json.RawMessage(`{"id":"C1","due_balance":"15"}`)},
		{Op: domain.MutationSet, Collection: domain.CollectionSales, DocID: "S1", Data: json.RawMessage(`{"id":"S1"}`)},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	doc, err := s.Get(ctx, shopID, domain.CollectionProducts, "P1")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	p, err := store.Decode[domain.Product](doc)
	if err != nil {
		t.Fatalf("decode product: %v", err)
	}
	if p.Quantity != 7 {
		t.Fatalf("expected quantity 7, got %d", p.Quantity)
	}

	five := decimal.NewFromInt(5)
	err = s.Commit(ctx, shopID, []domain.Mutation{
		{Op: domain.MutationAdd, Collection: domain.CollectionCustomers, DocID: "C1", Field: "due_balance", Amount: &five},
	})
	if err != nil {
		t.Fatalf("commit add: %v", err)
	}
	doc, _ = s.Get(ctx, shopID, domain.CollectionCustomers, "C1")
	c, _ := store.Decode[domain.Customer](doc)
	if !c.DueBalance.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected due 20, got %s", c.DueBalance)
	}

	sales, err := s.List(ctx, shopID, domain.CollectionSales)
	if err != nil || len(sales) != 1 {
		t.Fatalf("expected one sale, got %d err=%v", len(sales), err)
	}
}
