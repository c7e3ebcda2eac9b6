// Package cart holds the ordered line items of the sale being rung up.
package cart

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/pricing"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrOutOfStock        = errors.New("product is out of stock")
	ErrInsufficientStock = errors.New("not enough stock")
	ErrNotInCart         = errors.New("item not in cart")
	ErrInvalidEdit       = errors.New("invalid cart edit")
)

// Catalog resolves the latest known product snapshot at the moment of use.
// The cart never keeps product values between calls.
type Catalog interface {
	Product(barcode string) (domain.Product, bool)
}

// ValidationError lists the refused fields of an edit by validation tag.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Fields[k])
	}
	return fmt.Sprintf("%s: %s", ErrInvalidEdit, strings.Join(parts, ", "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidEdit
}

// Edit overrides a line. Nil fields keep their current value.
type Edit struct {
	Price    *decimal.Decimal `json:"price,omitempty"`
	Quantity *int             `json:"quantity,omitempty"`
	Discount *domain.Discount `json:"discount,omitempty"`
}

type Cart struct {
	mu      sync.Mutex
	catalog Catalog
	items   []domain.CartLineItem
}

func New(catalog Catalog) *Cart {
	return &Cart{catalog: catalog}
}

// Add puts one unit of the product in the cart, or increments the existing
// line for that barcode.
func (c *Cart) Add(barcode string) (domain.CartLineItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	product, ok := c.catalog.Product(barcode)
	if !ok {
		return domain.CartLineItem{}, ErrProductNotFound
	}
	if product.Quantity <= 0 {
		return domain.CartLineItem{}, ErrOutOfStock
	}

	if idx := c.indexOf(barcode); idx >= 0 {
		return c.increase(idx, product)
	}

	line := domain.CartLineItem{
		Barcode:         product.Barcode,
		Name:            product.Name,
		Price:           product.SalePrice,
		BuyPrice:        product.BuyPrice,
		Quantity:        1,
		Discount:        domain.Discount{Type: domain.DiscountFixed, Value: decimal.Zero},
		DiscountPerUnit: decimal.Zero,
	}
	c.items = append(c.items, line)
	return line, nil
}

func (c *Cart) Increment(barcode string) (domain.CartLineItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(barcode)
	if idx < 0 {
		return domain.CartLineItem{}, ErrNotInCart
	}
	product, ok := c.catalog.Product(barcode)
	if !ok {
		return domain.CartLineItem{}, ErrProductNotFound
	}
	return c.increase(idx, product)
}

// Decrement lowers the line by one unit; reaching zero removes the line and
// returns ok=false.
func (c *Cart) Decrement(barcode string) (domain.CartLineItem, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(barcode)
	if idx < 0 {
		return domain.CartLineItem{}, false, ErrNotInCart
	}
	if c.items[idx].Quantity <= 1 {
		c.removeAt(idx)
		return domain.CartLineItem{}, false, nil
	}
	c.items[idx].Quantity--
	return c.items[idx], true, nil
}

func (c *Cart) Remove(barcode string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(barcode)
	if idx < 0 {
		return ErrNotInCart
	}
	c.removeAt(idx)
	return nil
}

func (c *Cart) SetQuantity(barcode string, qty int) (domain.CartLineItem, error) {
	return c.Edit(barcode, Edit{Quantity: &qty})
}

func (c *Cart) SetPrice(barcode string, price decimal.Decimal) (domain.CartLineItem, error) {
	return c.Edit(barcode, Edit{Price: &price})
}

func (c *Cart) SetDiscount(barcode string, discount domain.Discount) (domain.CartLineItem, error) {
	return c.Edit(barcode, Edit{Discount: &discount})
}

// Edit applies a price, quantity or discount override after revalidating
// the whole resulting line. A refused edit leaves the cart unchanged.
func (c *Cart) Edit(barcode string, edit Edit) (domain.CartLineItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(barcode)
	if idx < 0 {
		return domain.CartLineItem{}, ErrNotInCart
	}
	product, ok := c.catalog.Product(barcode)
	if !ok {
		return domain.CartLineItem{}, ErrProductNotFound
	}

	next := c.items[idx]
	if edit.Price != nil {
		next.Price = *edit.Price
	}
	if edit.Quantity != nil {
		next.Quantity = *edit.Quantity
	}
	if edit.Discount != nil {
		next.Discount = *edit.Discount
	}
	if next.Discount.Type == "" {
		next.Discount.Type = domain.DiscountFixed
	}

	if err := validateLine(next, product.Quantity); err != nil {
		return domain.CartLineItem{}, err
	}

	next.DiscountPerUnit = pricing.PerUnitDiscount(next.Price, next.Discount)
	c.items[idx] = next
	return next, nil
}

// Items returns a copy of the lines in insertion order.
func (c *Cart) Items() []domain.CartLineItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.CartLineItem, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Cart) Quantity(barcode string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx := c.indexOf(barcode); idx >= 0 {
		return c.items[idx].Quantity
	}
	return 0
}

func (c *Cart) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cart) Clear() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
}

func (c *Cart) increase(idx int, product domain.Product) (domain.CartLineItem, error) {
	if c.items[idx].Quantity+1 > product.Quantity {
		if product.Quantity <= 0 {
			return domain.CartLineItem{}, ErrOutOfStock
		}
		return domain.CartLineItem{}, fmt.Errorf("%w: %d available", ErrInsufficientStock, product.Quantity)
	}
	c.items[idx].Quantity++
	return c.items[idx], nil
}

func (c *Cart) indexOf(barcode string) int {
	for i := range c.items {
		if c.items[i].Barcode == barcode {
			return i
		}
	}
	return -1
}

func (c *Cart) removeAt(idx int) {
	c.items = append(c.items[:idx], c.items[idx+1:]...)
}
