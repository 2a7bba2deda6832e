package sync

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrItemNotFound  = errors.New("order item not found")
	ErrOrderClosed   = errors.New("order is closed")
)

// Order is the slice of the external data store's order the core needs to
// announce mutations; the store of record lives outside this service.
type Order struct {
	ID          string      `json:"id"`
	LocationID  string      `json:"location_id"`
	TableNumber string      `json:"table_number,omitempty"`
	Covers      int         `json:"covers,omitempty"`
	OpenedAt    time.Time   `json:"opened_at"`
	ClosedAt    *time.Time  `json:"closed_at,omitempty"`
	Items       []OrderItem `json:"items"`
}

type OrderItem struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	MenuItemID string `json:"menu_item_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Station    string `json:"station,omitempty"`
	Status     string `json:"status"`
	Quantity   int    `json:"quantity,omitempty"`
	Seat       int    `json:"seat,omitempty"`
	Course     int    `json:"course,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// OrderStore is the command/query surface of the external data store. The
// dispatcher is only ever invoked after one of these calls succeeded.
type OrderStore interface {
	OpenOrder(ctx context.Context, order *Order) error
	CloseOrder(ctx context.Context, locationID, orderID string) (*Order, error)
	AddItem(ctx context.Context, locationID, orderID string, item *OrderItem) error
	SetItemStatus(ctx context.Context, locationID, orderID, itemID, status string) (*OrderItem, error)
}

// MemoryStore is the in-process stand-in for the external data store, used by
// the demo wiring and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (s *MemoryStore) OpenOrder(ctx context.Context, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.OpenedAt.IsZero() {
		order.OpenedAt = time.Now().UTC()
	}
	s.orders[order.ID] = order
	return nil
}

func (s *MemoryStore) CloseOrder(ctx context.Context, locationID, orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.orders[orderID]
	if order == nil || order.LocationID != locationID {
		return nil, ErrOrderNotFound
	}
	if order.ClosedAt != nil {
		return nil, ErrOrderClosed
	}
	now := time.Now().UTC()
	order.ClosedAt = &now
	return order, nil
}

func (s *MemoryStore) AddItem(ctx context.Context, locationID, orderID string, item *OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.orders[orderID]
	if order == nil || order.LocationID != locationID {
		return ErrOrderNotFound
	}
	if order.ClosedAt != nil {
		return ErrOrderClosed
	}
	item.OrderID = orderID
	order.Items = append(order.Items, *item)
	return nil
}

func (s *MemoryStore) SetItemStatus(ctx context.Context, locationID, orderID, itemID, status string) (*OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.orders[orderID]
	if order == nil || order.LocationID != locationID {
		return nil, ErrOrderNotFound
	}
	for i := range order.Items {
		if order.Items[i].ID == itemID {
			order.Items[i].Status = status
			item := order.Items[i]
			return &item, nil
		}
	}
	return nil, ErrItemNotFound
}
