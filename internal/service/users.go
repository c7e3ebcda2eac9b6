package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/store"
)

// Accounts are global; they live under the empty shop id and carry the shop
// they belong to.
const usersShop = ""

func (s *Service) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	docs, err := s.store.List(ctx, usersShop, domain.CollectionUsers)
	if err != nil {
		return nil, err
	}
	return store.DecodeAll[domain.UserAccount](docs)
}

func (s *Service) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.ShopID == "" {
		user.ShopID = s.defaultShopID
	}
	doc, err := store.Encode(user.Username, user)
	if err != nil {
		return err
	}
	if _, err := s.store.Create(ctx, usersShop, domain.CollectionUsers, doc); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("username already exists")
		}
		return err
	}
	return nil
}

func (s *Service) UpdateUserPassword(ctx context.Context, username string, password string) error {
	data, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return err
	}
	return s.store.Commit(ctx, usersShop, []domain.Mutation{{
		Op:         domain.MutationMerge,
		Collection: domain.CollectionUsers,
		DocID:      username,
		Data:       data,
	}})
}

// SeedUsers creates the admin and cashier accounts for shopID when no
// account exists yet. Blank passwords skip that account.
func (s *Service) SeedUsers(ctx context.Context, shopID string, adminPassword string, cashierPassword string) error {
	existing, err := s.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	for _, seed := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPassword, domain.RoleAdmin},
		{"cashier", cashierPassword, domain.RoleCashier},
	} {
		if strings.TrimSpace(seed.password) == "" {
			continue
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(seed.password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		err = s.CreateUser(ctx, domain.UserAccount{
			Username:  seed.username,
			Password:  string(hash),
			Role:      seed.role,
			ShopID:    shopID,
			Active:    true,
			CreatedAt: s.now().UTC(),
		})
		if err != nil {
			return err
		}
		s.log.WithField("username", seed.username).Info("seeded user account")
	}
	return nil
}
