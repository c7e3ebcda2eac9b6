package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/pricing"
	"aasanpos/backend/internal/store"
)

// ListProducts returns the displayed catalog, which already reflects sales
// still waiting in the offline queue.
func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	t, err := s.terminal(ctx)
	if err != nil {
		return nil, err
	}
	return t.Products(), nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	t, err := s.terminal(ctx)
	if err != nil {
		return domain.Product{}, err
	}

	product, err := normalizeProduct(req)
	if err != nil {
		return domain.Product{}, err
	}
	doc, err := store.Encode(product.Barcode, product)
	if err != nil {
		return domain.Product{}, err
	}
	if _, err := s.store.Create(ctx, t.ShopID(), domain.CollectionProducts, doc); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Product{}, ErrDuplicateBarcode
		}
		return domain.Product{}, err
	}

	t.PutProduct(product)
	s.log.WithFields(logrus.Fields{"shop_id": t.ShopID(), "barcode": product.Barcode}).Info("product created")
	return product, nil
}

// UpdateProduct replaces the product's fields. The barcode is the document
// id and cannot change.
func (s *Service) UpdateProduct(ctx context.Context, barcode string, req domain.ProductRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	t, err := s.terminal(ctx)
	if err != nil {
		return domain.Product{}, err
	}

	barcode = strings.TrimSpace(barcode)
	if req.Barcode = strings.TrimSpace(req.Barcode); req.Barcode == "" {
		req.Barcode = barcode
	}
	if req.Barcode != barcode {
		return domain.Product{}, fmt.Errorf("%w: barcode cannot change", ErrInvalidInput)
	}
	product, err := normalizeProduct(req)
	if err != nil {
		return domain.Product{}, err
	}
	if _, err := s.store.Get(ctx, t.ShopID(), domain.CollectionProducts, barcode); err != nil {
		return domain.Product{}, err
	}
	doc, err := store.Encode(product.Barcode, product)
	if err != nil {
		return domain.Product{}, err
	}
	if err := s.store.Put(ctx, t.ShopID(), domain.CollectionProducts, doc); err != nil {
		return domain.Product{}, err
	}

	t.PutProduct(product)
	s.refresh(ctx, t)
	if shown, ok := t.Product(barcode); ok {
		product = shown
	}
	return product, nil
}

func (s *Service) DeleteProduct(ctx context.Context, barcode string) error {
	if _, err := requireAdmin(ctx); err != nil {
		return err
	}
	t, err := s.terminal(ctx)
	if err != nil {
		return err
	}

	barcode = strings.TrimSpace(barcode)
	if err := s.store.Delete(ctx, t.ShopID(), domain.CollectionProducts, barcode); err != nil {
		return err
	}
	t.RemoveProduct(barcode)
	s.log.WithFields(logrus.Fields{"shop_id": t.ShopID(), "barcode": barcode}).Info("product deleted")
	return nil
}

func normalizeProduct(req domain.ProductRequest) (domain.Product, error) {
	p := domain.Product{
		Barcode:   strings.TrimSpace(req.Barcode),
		Name:      strings.TrimSpace(req.Name),
		BuyPrice:  req.BuyPrice.Round(pricing.Places),
		SalePrice: req.SalePrice.Round(pricing.Places),
		Quantity:  req.Quantity,
	}
	switch {
	case p.Barcode == "":
		return domain.Product{}, fmt.Errorf("%w: barcode is required", ErrInvalidInput)
	case p.Name == "":
		return domain.Product{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	case p.BuyPrice.IsNegative():
		return domain.Product{}, fmt.Errorf("%w: buy price must not be negative", ErrInvalidInput)
	case !p.SalePrice.IsPositive():
		return domain.Product{}, fmt.Errorf("%w: sale price must be positive", ErrInvalidInput)
	case p.Quantity < 0:
		return domain.Product{}, fmt.Errorf("%w: quantity must not be negative", ErrInvalidInput)
	}
	return p, nil
}
