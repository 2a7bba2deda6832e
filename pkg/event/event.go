package event

import (
	"encoding/json"
	"time"
)

const (
	// LocationTopicPrefix is the NATS subject prefix for per-location event
	// relays; the full subject is LocationTopicPrefix + "." + location ID.
	LocationTopicPrefix = "pos.events"

	EventOrderOpened     = "order.opened"
	EventOrderClosed     = "order.closed"
	EventOrderItemAdded  = "order.item.added"
	EventOrderItemFired  = "order.item.fired"
	EventOrderItemReady  = "order.item.ready"
	EventOrderItemBumped = "order.item.bumped"
	EventOrderItemVoided = "order.item.voided"

	EventTicketCreated  = "kitchen.ticket.created"
	EventTicketBumped   = "kitchen.ticket.bumped"
	EventTicketRecalled = "kitchen.ticket.recalled"

	EventMenuItemEightySixed = "menu.item.eighty_sixed"
	EventMenuItemRestored    = "menu.item.restored"

	EventInventoryLow      = "inventory.low"
	EventInventoryDepleted = "inventory.depleted"

	EventShiftOpened = "shift.opened"
	EventShiftClosed = "shift.closed"

	EventAnnouncementPosted = "announcement.posted"
	EventTerminalSynced     = "terminal.synced"
)

// Event is the envelope every state change travels in. It is immutable once
// published: the dispatcher assigns OccurredAt and the per-location Seq, and
// nothing downstream may modify it.
type Event struct {
	Kind       string          `json:"event_type"`
	LocationID string          `json:"location_id"`
	Seq        uint64          `json:"seq"`
	OccurredAt time.Time       `json:"occurred_at"`
	Actor      string          `json:"actor,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Known reports whether kind is one of the published event kinds. Unknown
// kinds are ignored by consumers (forward compatibility) but refused at the
// client-emission boundary.
func Known(kind string) bool {
	switch kind {
	case EventOrderOpened, EventOrderClosed,
		EventOrderItemAdded, EventOrderItemFired, EventOrderItemReady,
		EventOrderItemBumped, EventOrderItemVoided,
		EventTicketCreated, EventTicketBumped, EventTicketRecalled,
		EventMenuItemEightySixed, EventMenuItemRestored,
		EventInventoryLow, EventInventoryDepleted,
		EventShiftOpened, EventShiftClosed,
		EventAnnouncementPosted, EventTerminalSynced:
		return true
	}
	return false
}

// LocationTopic returns the NATS subject carrying events for a location.
func LocationTopic(locationID string) string {
	return LocationTopicPrefix + "." + locationID
}
