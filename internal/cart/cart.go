package cart

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuantity   = errors.New("quantity must be at least 1")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrLineNotFound      = errors.New("line not found")
)

// StockError reports a quantity that would exceed the known stock of a product.
type StockError struct {
	ProductID int64
	Name      string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.label(), e.Requested, e.Available)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

func (e *StockError) label() string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("item %d", e.ProductID)
}

type Product struct {
	ID             int64
	Name           string
	UnitPriceCents int64
	// Stock is nil when unknown; an unknown stock never caps a line.
	Stock *int
}

type Line struct {
	ProductID      int64
	Name           string
	UnitPriceCents int64
	Quantity       int
	AvailableStock *int
}

func (l Line) SubtotalCents() int64 {
	return l.UnitPriceCents * int64(l.Quantity)
}

// Cart holds the lines of one in-progress order, unique by product and kept in
// insertion order. It is not safe for concurrent use; the owning session
// serializes access.
type Cart struct {
	lines []Line
}

func New() *Cart {
	return &Cart{}
}

func (c *Cart) AddLine(product Product, qty int) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}

	idx := c.index(product.ID)
	existing := 0
	if idx >= 0 {
		existing = c.lines[idx].Quantity
	}
	if err := checkStock(product.ID, product.Name, existing+qty, product.Stock); err != nil {
		return err
	}

	if idx >= 0 {
		line := &c.lines[idx]
		line.Quantity = existing + qty
		line.Name = product.Name
		line.UnitPriceCents = product.UnitPriceCents
		line.AvailableStock = copyStock(product.Stock)
		return nil
	}

	c.lines = append(c.lines, Line{
		ProductID:      product.ID,
		Name:           product.Name,
		UnitPriceCents: product.UnitPriceCents,
		Quantity:       qty,
		AvailableStock: copyStock(product.Stock),
	})
	return nil
}

func (c *Cart) SetLineQuantity(productID int64, qty int) error {
	idx := c.index(productID)
	if idx < 0 {
		return ErrLineNotFound
	}
	if qty < 1 {
		return ErrInvalidQuantity
	}
	line := &c.lines[idx]
	if err := checkStock(line.ProductID, line.Name, qty, line.AvailableStock); err != nil {
		return err
	}
	line.Quantity = qty
	return nil
}

// RemoveLine reports whether a line for productID existed.
func (c *Cart) RemoveLine(productID int64) bool {
	idx := c.index(productID)
	if idx < 0 {
		return false
	}
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
	return true
}

func (c *Cart) Clear() {
	c.lines = nil
}

func (c *Cart) Lines() []Line {
	out := make([]Line, len(c.lines))
	for i, line := range c.lines {
		line.AvailableStock = copyStock(line.AvailableStock)
		out[i] = line
	}
	return out
}

func (c *Cart) Len() int {
	return len(c.lines)
}

// ItemCount is the sum of quantities across all lines.
func (c *Cart) ItemCount() int {
	total := 0
	for _, line := range c.lines {
		total += line.Quantity
	}
	return total
}

func (c *Cart) index(productID int64) int {
	for i := range c.lines {
		if c.lines[i].ProductID == productID {
			return i
		}
	}
	return -1
}

func checkStock(productID int64, name string, requested int, stock *int) error {
	if stock == nil || requested <= *stock {
		return nil
	}
	return &StockError{ProductID: productID, Name: name, Requested: requested, Available: *stock}
}

func copyStock(stock *int) *int {
	if stock == nil {
		return nil
	}
	v := *stock
	return &v
}
