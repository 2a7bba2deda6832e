package event

import "time"

// OrderItemEvent is the payload for order.item.* events. It carries enough
// denormalized data for kitchen displays to render without a lookup.
type OrderItemEvent struct {
	OrderID     string `json:"order_id"`
	OrderItemID string `json:"order_item_id"`
	MenuItemID  string `json:"menu_item_id,omitempty"`
	Quantity    int    `json:"quantity,omitempty"`
	Seat        int    `json:"seat,omitempty"`
	Course      int    `json:"course,omitempty"`
	Status      string `json:"status,omitempty"`
	Station     string `json:"station,omitempty"`
	Notes       string `json:"notes,omitempty"`

	// Denormalized data for display purposes
	MenuItemName string `json:"menu_item_name,omitempty"`
	StationName  string `json:"station_name,omitempty"`
	TableNumber  string `json:"table_number,omitempty"`
}

// OrderEvent is the payload for order.opened and order.closed.
type OrderEvent struct {
	OrderID     string `json:"order_id"`
	TableNumber string `json:"table_number,omitempty"`
	Covers      int    `json:"covers,omitempty"`
}

// MenuItemEvent is the payload for menu.item.eighty_sixed and
// menu.item.restored.
type MenuItemEvent struct {
	MenuItemID   string `json:"menu_item_id"`
	MenuItemName string `json:"menu_item_name,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// InventoryEvent is the payload for inventory.low and inventory.depleted.
type InventoryEvent struct {
	SKU       string  `json:"sku"`
	Name      string  `json:"name,omitempty"`
	Remaining float64 `json:"remaining"`
	Unit      string  `json:"unit,omitempty"`
}

// ShiftEvent is the payload for shift.opened and shift.closed.
type ShiftEvent struct {
	ShiftID  string    `json:"shift_id"`
	OpenedBy string    `json:"opened_by,omitempty"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// AnnouncementEvent is the payload for announcement.posted.
type AnnouncementEvent struct {
	Message string `json:"message"`
}
