package event

// TicketEvent is the payload for kitchen.ticket.* events: a whole-ticket
// operation performed at a station (bump, recall) or the implicit creation
// that accompanies the first fired item of an order.
type TicketEvent struct {
	OrderID string `json:"order_id"`
	Station string `json:"station,omitempty"`

	// Denormalized data for display purposes
	TableNumber string `json:"table_number,omitempty"`
}

// TerminalSyncedEvent is the payload for terminal.synced, announced after a
// terminal finished draining its offline action queue.
type TerminalSyncedEvent struct {
	TerminalID string `json:"terminal_id"`
	Replayed   int    `json:"replayed"`
}
