// Package cart holds the in-progress transaction for one terminal. A cart
// only reads from inventory; stock is not reserved until the sale commits,
// so every quantity check here is advisory and repeated at commit time.
package cart

import (
	"context"
	"errors"
	"math"

	"cuestablanca/pos/internal/domain"
	"cuestablanca/pos/internal/store"
)

// Inventory is the read-side a cart needs to validate lines.
type Inventory interface {
	GetProductByCode(ctx context.Context, code string) (*domain.Product, error)
	GetStock(ctx context.Context, code string) (int, error)
}

// Cart is not safe for concurrent use. Each terminal owns one cart and the
// HTTP layer serializes access per terminal.
type Cart struct {
	inventory Inventory
	lines     []domain.CartLine
}

func New(inventory Inventory) *Cart {
	return &Cart{inventory: inventory}
}

// AddLine appends a line for the given product. Quantity must be at least 1
// and may not exceed current stock. Adding the same code twice produces two
// independent lines.
func (c *Cart) AddLine(ctx context.Context, code string, quantity int, unitPriceCents int64) (domain.CartLine, error) {
	if quantity < 1 || unitPriceCents < 0 {
		return domain.CartLine{}, store.ErrInvalidInput
	}

	product, err := c.inventory.GetProductByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CartLine{}, domain.ErrProductNotFound
		}
		return domain.CartLine{}, err
	}
	if quantity > product.Stock {
		return domain.CartLine{}, &domain.InsufficientStockError{Code: code, Available: product.Stock}
	}

	line := domain.CartLine{
		Code:           product.Code,
		Description:    product.Description,
		Quantity:       quantity,
		UnitPriceCents: unitPriceCents,
		SubtotalCents:  int64(quantity) * unitPriceCents,
	}
	c.lines = append(c.lines, line)
	return line, nil
}

func (c *Cart) EditPrice(index int, unitPriceCents int64) (domain.CartLine, error) {
	if index < 0 || index >= len(c.lines) {
		return domain.CartLine{}, domain.ErrLineNotFound
	}
	if unitPriceCents < 0 {
		return domain.CartLine{}, store.ErrInvalidInput
	}

	line := &c.lines[index]
	line.UnitPriceCents = unitPriceCents
	line.SubtotalCents = int64(line.Quantity) * unitPriceCents
	return *line, nil
}

// EditQuantity re-checks stock because the new quantity may exceed what was
// validated when the line was added.
func (c *Cart) EditQuantity(ctx context.Context, index int, quantity int) (domain.CartLine, error) {
	if index < 0 || index >= len(c.lines) {
		return domain.CartLine{}, domain.ErrLineNotFound
	}
	if quantity < 1 {
		return domain.CartLine{}, store.ErrInvalidInput
	}

	line := &c.lines[index]
	stock, err := c.inventory.GetStock(ctx, line.Code)
	if err != nil {
		return domain.CartLine{}, err
	}
	if quantity > stock {
		return domain.CartLine{}, &domain.InsufficientStockError{Code: line.Code, Available: stock}
	}

	line.Quantity = quantity
	line.SubtotalCents = int64(quantity) * line.UnitPriceCents
	return *line, nil
}

func (c *Cart) RemoveLine(index int) error {
	if index < 0 || index >= len(c.lines) {
		return domain.ErrLineNotFound
	}
	c.lines = append(c.lines[:index], c.lines[index+1:]...)
	return nil
}

func (c *Cart) Clear() {
	c.lines = nil
}

// Lines returns a copy so callers cannot mutate the cart behind its back.
func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) TotalCents() int64 {
	total := int64(0)
	for _, line := range c.lines {
		total += line.SubtotalCents
	}
	return total
}

// ApplyPercentDiscount rewrites every unit price to (100-percent)% of its
// current value, rounding half-up to the smallest currency unit per line.
// The discount is destructive: applying 10% twice yields roughly 19%, not 10%.
func (c *Cart) ApplyPercentDiscount(percent float64) error {
	if percent <= 0 || percent > 100 {
		return store.ErrInvalidInput
	}

	factor := (100 - percent) / 100
	for i := range c.lines {
		line := &c.lines[i]
		discounted := int64(math.Floor(float64(line.UnitPriceCents)*factor + 0.5))
		line.UnitPriceCents = discounted
		line.SubtotalCents = int64(line.Quantity) * discounted
	}
	return nil
}
