// Package record provides the domain document types stored by tillsync:
// products in the catalog and orders moving through the fulfillment
// lifecycle. Documents are flat, JSON-serialized, and carry an UpdatedAt
// timestamp that the sync engine compares for last-write-wins resolution.
package record

import (
	"fmt"
	"time"
)

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPreparing OrderStatus = "preparing"
	OrderReady     OrderStatus = "ready"
	OrderCompleted OrderStatus = "completed"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderPreparing, OrderReady, OrderCompleted:
		return true
	}
	return false
}

// Product is a catalog entry.
type Product struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Price     float64   `json:"price" yaml:"price"`
	Category  string    `json:"category,omitempty" yaml:"category,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Validate checks the product's required fields.
func (p *Product) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("product id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("product name is required")
	}
	if p.Price < 0 {
		return fmt.Errorf("product price must not be negative (got %.2f)", p.Price)
	}
	return nil
}

// OrderItem is one cart line on an order. Items with the same product but
// different customizations are distinct lines.
type OrderItem struct {
	ProductID      string            `json:"product_id"`
	Name           string            `json:"name"`
	Qty            int               `json:"qty"`
	Price          float64           `json:"price"`
	Category       string            `json:"category,omitempty"`
	Customization  map[string]string `json:"customization,omitempty"`
	SpecialRequest string            `json:"special_request,omitempty"`
}

// LineTotal returns qty x unit price for the item.
func (i OrderItem) LineTotal() float64 {
	return float64(i.Qty) * i.Price
}

// Order is a placed order document.
type Order struct {
	ID        string      `json:"id"`
	Items     []OrderItem `json:"items"`
	Total     float64     `json:"total"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Validate checks the order's required fields.
func (o *Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("order must have at least one item")
	}
	if !o.Status.Valid() {
		return fmt.Errorf("invalid order status %q", o.Status)
	}
	for _, item := range o.Items {
		if item.ProductID == "" {
			return fmt.Errorf("order item product id is required")
		}
		if item.Qty <= 0 {
			return fmt.Errorf("order item qty must be positive (got %d)", item.Qty)
		}
	}
	return nil
}

// Touch sets UpdatedAt to now. Call whenever any field is modified so the
// sync engine sees the mutation.
func (o *Order) Touch(now time.Time) {
	o.UpdatedAt = now
}
