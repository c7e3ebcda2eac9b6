package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/store"
	"aasanpos/backend/internal/xid"
)

type collectionKey struct {
	shopID     string
	collection string
}

// Store keeps documents in process memory. It satisfies the same atomic
// batch contract as the database backends.
type Store struct {
	mu   sync.RWMutex
	docs map[collectionKey]map[string]json.RawMessage
	// order remembers creation order so List is stable.
	order map[collectionKey][]string
}

func New() *Store {
	return &Store{
		docs:  map[collectionKey]map[string]json.RawMessage{},
		order: map[collectionKey][]string{},
	}
}

// seedUsers builds the initial user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD.
// If unset, hardcoded dev defaults are used with a warning.
func seedUsers(shopID string) []domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.WithField("module", "memory-store").Warn("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	var users []domain.UserAccount
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("module", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			ShopID:    shopID,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a demo catalog, one credit customer and
// the admin and cashier accounts for shopID.
func NewSeeded(shopID string) *Store {
	s := New()
	price := decimal.RequireFromString

	products := []domain.Product{
		{Barcode: "8901030865278", Name: "Ballpoint Pen Blue", BuyPrice: price("6"), SalePrice: price("10"), Quantity: 120},
		{Barcode: "8901030865285", Name: "Ballpoint Pen Black", BuyPrice: price("6"), SalePrice: price("10"), Quantity: 90},
		{Barcode: "8906009071127", Name: "A4 Notebook 200 Pages", BuyPrice: price("55"), SalePrice: price("80"), Quantity: 40},
		{Barcode: "8906009071134", Name: "Spiral Register", BuyPrice: price("90"), SalePrice: price("130"), Quantity: 25},
		{Barcode: "8901324012345", Name: "Glue Stick 15g", BuyPrice: price("18"), SalePrice: price("30"), Quantity: 60},
		{Barcode: "8901324019999", Name: "Geometry Box", BuyPrice: price("120"), SalePrice: price("175"), Quantity: 12},
		{Barcode: "8902519000012", Name: "Printer Paper Ream", BuyPrice: price("310"), SalePrice: price("395"), Quantity: 8},
		{Barcode: "8902519000029", Name: "Stapler Pins Box", BuyPrice: price("12"), SalePrice: price("20"), Quantity: 75},
	}
	for _, p := range products {
		s.mustPut(shopID, domain.CollectionProducts, p.Barcode, p)
	}

	s.mustPut(shopID, domain.CollectionCustomers, "cust-demo", domain.Customer{
		ID:         "cust-demo",
		Name:       "Ayesha Traders",
		Phone:      "03001234567",
		Address:    "Shop 4, Main Bazaar",
		DueBalance: price("250"),
		CreatedAt:  time.Now().UTC(),
	})

	for _, u := range seedUsers(shopID) {
		s.mustPut("", domain.CollectionUsers, u.Username, u)
	}
	return s
}

func (s *Store) mustPut(shopID, collection, id string, v any) {
	doc, err := store.Encode(id, v)
	if err != nil {
		panic(fmt.Sprintf("memory store seed %s/%s: %v", collection, id, err))
	}
	s.putLocked(collectionKey{shopID, collection}, doc.ID, doc.Data)
}

func (s *Store) Get(_ context.Context, shopID string, collection string, id string) (store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.docs[collectionKey{shopID, collection}][id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return store.Document{ID: id, Data: clone(data)}, nil
}

func (s *Store) List(_ context.Context, shopID string, collection string) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := collectionKey{shopID, collection}
	docs := s.docs[key]
	out := make([]store.Document, 0, len(docs))
	for _, id := range s.order[key] {
		if data, ok := docs[id]; ok {
			out = append(out, store.Document{ID: id, Data: clone(data)})
		}
	}
	return out, nil
}

func (s *Store) Create(_ context.Context, shopID string, collection string, doc store.Document) (store.Document, error) {
	if doc.ID == "" {
		doc.ID = xid.New(strings.TrimSuffix(collection, "s"))
	}
	if err := store.ValidateMutation(domain.Mutation{Op: domain.MutationSet, Collection: collection, DocID: doc.ID, Data: doc.Data}); err != nil {
		return store.Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := collectionKey{shopID, collection}
	if _, exists := s.docs[key][doc.ID]; exists {
		return store.Document{}, store.ErrConflict
	}
	s.putLocked(key, doc.ID, doc.Data)
	return store.Document{ID: doc.ID, Data: clone(doc.Data)}, nil
}

func (s *Store) Put(_ context.Context, shopID string, collection string, doc store.Document) error {
	if err := store.ValidateMutation(domain.Mutation{Op: domain.MutationSet, Collection: collection, DocID: doc.ID, Data: doc.Data}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(collectionKey{shopID, collection}, doc.ID, doc.Data)
	return nil
}

func (s *Store) Delete(_ context.Context, shopID string, collection string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := collectionKey{shopID, collection}
	if _, ok := s.docs[key][id]; !ok {
		return store.ErrNotFound
	}
	s.deleteLocked(key, id)
	return nil
}

// Commit stages every mutation against a scratch copy and only publishes
// the result when all of them succeed.
func (s *Store) Commit(_ context.Context, shopID string, mutations []domain.Mutation) error {
	for _, m := range mutations {
		if err := store.ValidateMutation(m); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type staged struct {
		data    json.RawMessage
		deleted bool
	}
	scratch := map[collectionKey]map[string]*staged{}
	lookup := func(key collectionKey, id string) *staged {
		byID, ok := scratch[key]
		if !ok {
			byID = map[string]*staged{}
			scratch[key] = byID
		}
		if st, ok := byID[id]; ok {
			return st
		}
		st := &staged{}
		if data, ok := s.docs[key][id]; ok {
			st.data = data
		} else {
			st.deleted = true
		}
		byID[id] = st
		return st
	}

	var order []struct {
		key collectionKey
		id  string
	}
	for _, m := range mutations {
		key := collectionKey{shopID, m.Collection}
		st := lookup(key, m.DocID)
		order = append(order, struct {
			key collectionKey
			id  string
		}{key, m.DocID})

		switch m.Op {
		case domain.MutationSet:
			st.data, st.deleted = clone(m.Data), false
		case domain.MutationMerge:
			var base json.RawMessage
			if !st.deleted {
				base = st.data
			}
			merged, err := store.MergeObject(base, m.Data)
			if err != nil {
				return fmt.Errorf("%w: %v", store.ErrInvalidMutation, err)
			}
			st.data, st.deleted = merged, false
		case domain.MutationIncrement:
			if st.deleted {
				return fmt.Errorf("increment %s/%s: %w", m.Collection, m.DocID, store.ErrNotFound)
			}
			next, err := store.IncrementField(st.data, m.Field, m.Delta)
			if err != nil {
				return err
			}
			st.data = next
		case domain.MutationAdd:
			if st.deleted {
				return fmt.Errorf("add %s/%s: %w", m.Collection, m.DocID, store.ErrNotFound)
			}
			next, err := store.AddDecimalField(st.data, m.Field, *m.Amount)
			if err != nil {
				return err
			}
			st.data = next
		case domain.MutationDelete:
			st.data, st.deleted = nil, true
		}
	}

	for _, o := range order {
		st := scratch[o.key][o.id]
		if st.deleted {
			s.deleteLocked(o.key, o.id)
		} else {
			s.putLocked(o.key, o.id, st.data)
		}
	}
	return nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) putLocked(key collectionKey, id string, data json.RawMessage) {
	docs, ok := s.docs[key]
	if !ok {
		docs = map[string]json.RawMessage{}
		s.docs[key] = docs
	}
	if _, exists := docs[id]; !exists {
		s.order[key] = append(s.order[key], id)
	}
	docs[id] = clone(data)
}

func (s *Store) deleteLocked(key collectionKey, id string) {
	if _, ok := s.docs[key][id]; !ok {
		return
	}
	delete(s.docs[key], id)
	ids := s.order[key]
	for i, v := range ids {
		if v == id {
			s.order[key] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

func clone(data json.RawMessage) json.RawMessage {
	if data == nil {
		return nil
	}
	out := make(json.RawMessage, len(data))
	copy(out, data)
	return out
}
