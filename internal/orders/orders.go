// Package orders provides catalog browsing, cart management, and optimistic
// order placement over the local store.
//
// All reads come from the local store (read-through, never bypassed), and
// order placement routes through the offline write queue so an order is
// durably visible locally the moment it is placed, regardless of
// connectivity.
package orders

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tillworks/tillsync/internal/outbox"
	"github.com/tillworks/tillsync/internal/record"
	"github.com/tillworks/tillsync/internal/store"
)

// ErrEmptyCart is returned by PlaceOrder when there is nothing to order.
var ErrEmptyCart = errors.New("orders: cart is empty")

// ErrOrderNotFound is returned when an order id does not exist.
var ErrOrderNotFound = errors.New("orders: order not found")

// Manager owns one cart and places orders through the write queue.
type Manager struct {
	store  *store.Store
	outbox *outbox.Queue
	clock  func() time.Time

	mu    sync.Mutex
	cart  []record.OrderItem
	total float64
}

// New creates a Manager. If clock is nil, time.Now is used.
func New(st *store.Store, q *outbox.Queue, clock func() time.Time) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("outbox cannot be nil")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Manager{store: st, outbox: q, clock: clock}, nil
}

// LoadCatalog returns products whose name contains query,
// case-insensitive. An empty query returns the whole catalog.
func (m *Manager) LoadCatalog(ctx context.Context, query string) ([]record.Product, error) {
	docs, err := m.store.GetAllContext(ctx, store.CollectionProducts)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(query))

	var products []record.Product
	for _, doc := range docs {
		var p record.Product
		if err := doc.Decode(&p); err != nil {
			return nil, err
		}
		if needle != "" && !strings.Contains(strings.ToLower(p.Name), needle) {
			continue
		}
		products = append(products, p)
	}

	return products, nil
}

// AddToCart adds one unit of a product. A product already in the cart with
// the same customization has its quantity incremented instead of gaining a
// second line.
func (m *Manager) AddToCart(p record.Product, customization map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item := m.findLocked(p.ID, customization); item != nil {
		item.Qty++
		m.updateTotalsLocked()
		return
	}

	m.cart = append(m.cart, record.OrderItem{
		ProductID:     p.ID,
		Name:          p.Name,
		Qty:           1,
		Price:         p.Price,
		Category:      p.Category,
		Customization: customization,
	})
	m.updateTotalsLocked()
}

// UpdateQty sets the quantity of a cart line. A quantity of zero or less
// removes the line.
func (m *Manager) UpdateQty(productID string, qty int, customization map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.findLocked(productID, customization)
	if item == nil {
		return
	}

	if qty <= 0 {
		m.removeLocked(productID, customization)
	} else {
		item.Qty = qty
	}
	m.updateTotalsLocked()
}

// RemoveFromCart removes a cart line.
func (m *Manager) RemoveFromCart(productID string, customization map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(productID, customization)
	m.updateTotalsLocked()
}

// SetSpecialRequest attaches a per-line note for the kitchen.
func (m *Manager) SetSpecialRequest(productID, note string, customization map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item := m.findLocked(productID, customization); item != nil {
		item.SpecialRequest = note
	}
}

// Cart returns a copy of the current cart lines.
func (m *Manager) Cart() []record.OrderItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]record.OrderItem, len(m.cart))
	copy(out, m.cart)
	return out
}

// Total returns the current cart total.
func (m *Manager) Total() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// PlaceOrder builds an order from the cart, clears the cart optimistically,
// and routes the order through the offline write queue. The order is
// readable locally as soon as PlaceOrder returns, whatever the
// connectivity.
func (m *Manager) PlaceOrder(ctx context.Context) (*record.Order, error) {
	m.mu.Lock()
	if len(m.cart) == 0 {
		m.mu.Unlock()
		return nil, ErrEmptyCart
	}

	now := m.clock()
	order := &record.Order{
		ID:        uuid.New().String(),
		Items:     m.cart,
		Total:     m.total,
		Status:    record.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.cart = nil
	m.total = 0
	m.mu.Unlock()

	doc, err := store.NewDoc(order.ID, order.UpdatedAt, order)
	if err != nil {
		return nil, err
	}
	if err := m.outbox.QueueWrite(ctx, store.CollectionOrders, doc); err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrder reads one order from the local store.
func (m *Manager) GetOrder(ctx context.Context, id string) (*record.Order, error) {
	doc, err := m.store.GetContext(ctx, store.CollectionOrders, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	var order record.Order
	if err := doc.Decode(&order); err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus transitions an order and bumps its update timestamp so
// the change reaches the remote on the next sync pass.
func (m *Manager) UpdateOrderStatus(ctx context.Context, id string, status record.OrderStatus) (*record.Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid order status %q", status)
	}

	order, err := m.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	order.Status = status
	order.Touch(m.clock())

	doc, err := store.NewDoc(order.ID, order.UpdatedAt, order)
	if err != nil {
		return nil, err
	}
	if err := m.store.PutContext(ctx, store.CollectionOrders, doc); err != nil {
		return nil, err
	}

	return order, nil
}

// ListOrders returns orders, optionally filtered by status.
func (m *Manager) ListOrders(ctx context.Context, status record.OrderStatus) ([]record.Order, error) {
	docs, err := m.store.GetAllContext(ctx, store.CollectionOrders)
	if err != nil {
		return nil, err
	}

	var orders []record.Order
	for _, doc := range docs {
		var order record.Order
		if err := doc.Decode(&order); err != nil {
			return nil, err
		}
		if status != "" && order.Status != status {
			continue
		}
		orders = append(orders, order)
	}

	return orders, nil
}

// findLocked returns the cart line matching product + customization.
// Callers hold m.mu.
func (m *Manager) findLocked(productID string, customization map[string]string) *record.OrderItem {
	for i := range m.cart {
		if m.cart[i].ProductID == productID && sameCustomization(m.cart[i].Customization, customization) {
			return &m.cart[i]
		}
	}
	return nil
}

// removeLocked drops the cart line matching product + customization.
// Callers hold m.mu.
func (m *Manager) removeLocked(productID string, customization map[string]string) {
	kept := m.cart[:0]
	for _, item := range m.cart {
		if item.ProductID == productID && sameCustomization(item.Customization, customization) {
			continue
		}
		kept = append(kept, item)
	}
	m.cart = kept
}

// updateTotalsLocked recomputes the cart total. Callers hold m.mu.
func (m *Manager) updateTotalsLocked() {
	var total float64
	for _, item := range m.cart {
		total += item.LineTotal()
	}
	m.total = total
}

// sameCustomization treats nil and empty maps as equal.
func sameCustomization(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
