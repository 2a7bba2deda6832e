// Package ticket derives the kitchen-display view of open orders from the
// item-level event stream. The board is shared by the sync service (for the
// tickets API) and the terminal (for local display); it holds no canonical
// state of its own, everything it knows can be rebuilt by replaying events.
package ticket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/expoclub/expo/pkg/enums/itemstatus"
	"github.com/expoclub/expo/pkg/enums/station"
	"github.com/expoclub/expo/pkg/enums/ticketstatus"
	"github.com/expoclub/expo/pkg/event"
	"github.com/expoclub/expo/pkg/events"
)

// Item is one order item as the kitchen sees it.
type Item struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Name    string `json:"name,omitempty"`
	Status  string `json:"status"`
	Station string `json:"station"`
	Seat    int    `json:"seat,omitempty"`
	Course  int    `json:"course,omitempty"`
}

// Ticket is the aggregate view of one order's items with a derived status.
type Ticket struct {
	OrderID     string     `json:"order_id"`
	TableNumber string     `json:"table_number,omitempty"`
	Items       []Item     `json:"items"`
	FiredAt     *time.Time `json:"fired_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Status      string     `json:"status"`
	Version     int        `json:"version"`
}

// Board maintains the active ticket set for one location.
//
// Status derivation: ready iff every live item is ready; late iff the ticket
// fired longer than lateAfter ago and not every item is ready; cooking iff
// fired and neither ready nor late; new iff not yet fired. The late
// transition is time-driven, so Recalculate must run periodically (Run)
// independent of incoming events.
type Board struct {
	mu        sync.RWMutex
	tickets   map[string]*Ticket
	lateAfter time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewBoard(lateAfter time.Duration, logger *slog.Logger) *Board {
	if lateAfter <= 0 {
		lateAfter = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{
		tickets:   make(map[string]*Ticket),
		lateAfter: lateAfter,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock overrides the wall clock, for tests.
func (b *Board) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Apply folds one event into the board. Unknown kinds and malformed payloads
// are ignored; an item without a station lands in the unassigned group
// rather than failing the aggregation.
func (b *Board) Apply(evt event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Kind {
	case event.EventOrderItemAdded, event.EventOrderItemFired, event.EventOrderItemReady,
		event.EventOrderItemBumped, event.EventOrderItemVoided:
		b.applyItemLocked(evt)
	case event.EventOrderClosed:
		var payload event.OrderEvent
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			b.logger.Error("failed to unmarshal order event", "event_type", evt.Kind, "error", err)
			return
		}
		delete(b.tickets, payload.OrderID)
	case event.EventTicketBumped:
		var payload event.TicketEvent
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			b.logger.Error("failed to unmarshal ticket event", "event_type", evt.Kind, "error", err)
			return
		}
		delete(b.tickets, payload.OrderID)
	case event.EventTicketRecalled:
		var payload event.TicketEvent
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			b.logger.Error("failed to unmarshal ticket event", "event_type", evt.Kind, "error", err)
			return
		}
		b.recallLocked(payload.OrderID, evt.OccurredAt)
	default:
		// Not a ticket-relevant event.
	}
}

func (b *Board) applyItemLocked(evt event.Event) {
	var payload event.OrderItemEvent
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		b.logger.Error("failed to unmarshal order item event", "event_type", evt.Kind, "error", err)
		return
	}
	if payload.OrderID == "" || payload.OrderItemID == "" {
		b.logger.Error("order item event missing identifiers", "event_type", evt.Kind)
		return
	}

	t := b.tickets[payload.OrderID]
	if t == nil {
		t = &Ticket{
			OrderID:     payload.OrderID,
			TableNumber: payload.TableNumber,
			CreatedAt:   evt.OccurredAt,
			Status:      ticketstatus.Statuses.New.Code(),
		}
		b.tickets[payload.OrderID] = t
	}
	if t.TableNumber == "" {
		t.TableNumber = payload.TableNumber
	}

	item := b.itemLocked(t, payload)

	switch evt.Kind {
	case event.EventOrderItemAdded:
		item.Status = itemstatus.Statuses.Pending.Code()
	case event.EventOrderItemFired:
		item.Status = itemstatus.Statuses.Fired.Code()
		if t.FiredAt == nil {
			firedAt := evt.OccurredAt
			t.FiredAt = &firedAt
		}
	case event.EventOrderItemReady:
		item.Status = itemstatus.Statuses.Ready.Code()
	case event.EventOrderItemBumped:
		item.Status = itemstatus.Statuses.Bumped.Code()
	case event.EventOrderItemVoided:
		item.Status = itemstatus.Statuses.Voided.Code()
	}

	if b.allDoneLocked(t) {
		delete(b.tickets, t.OrderID)
		return
	}

	t.UpdatedAt = evt.OccurredAt
	t.Version++
	t.Status = b.deriveLocked(t, b.now())
}

// itemLocked finds or creates the payload's item on t, keeping insertion
// order and normalizing a missing station to the unassigned group.
func (b *Board) itemLocked(t *Ticket, payload event.OrderItemEvent) *Item {
	for i := range t.Items {
		if t.Items[i].ID == payload.OrderItemID {
			return &t.Items[i]
		}
	}

	st := payload.Station
	if station.ByName(st) == nil {
		st = station.Stations.Unassigned.Code()
	}
	t.Items = append(t.Items, Item{
		ID:      payload.OrderItemID,
		OrderID: payload.OrderID,
		Name:    payload.MenuItemName,
		Status:  itemstatus.Statuses.Pending.Code(),
		Station: st,
		Seat:    payload.Seat,
		Course:  payload.Course,
	})
	return &t.Items[len(t.Items)-1]
}

func (b *Board) recallLocked(orderID string, at time.Time) {
	t := b.tickets[orderID]
	if t == nil {
		return
	}
	for i := range t.Items {
		if t.Items[i].Status == itemstatus.Statuses.Bumped.Code() {
			t.Items[i].Status = itemstatus.Statuses.Ready.Code()
		}
	}
	t.UpdatedAt = at
	t.Version++
	t.Status = b.deriveLocked(t, b.now())
}

// allDoneLocked reports whether every item is bumped or voided, meaning the
// ticket leaves the active board.
func (b *Board) allDoneLocked(t *Ticket) bool {
	if len(t.Items) == 0 {
		return false
	}
	for i := range t.Items {
		s := itemstatus.ByName(t.Items[i].Status)
		if s == nil || !s.Done() {
			return false
		}
	}
	return true
}

func (b *Board) deriveLocked(t *Ticket, now time.Time) string {
	if t.FiredAt == nil {
		return ticketstatus.Statuses.New.Code()
	}

	allReady := true
	for i := range t.Items {
		switch t.Items[i].Status {
		case itemstatus.Statuses.Ready.Code(), itemstatus.Statuses.Bumped.Code(),
			itemstatus.Statuses.Voided.Code():
		default:
			allReady = false
		}
	}
	if allReady {
		return ticketstatus.Statuses.Ready.Code()
	}
	if now.Sub(*t.FiredAt) > b.lateAfter {
		return ticketstatus.Statuses.Late.Code()
	}
	return ticketstatus.Statuses.Cooking.Code()
}

// Recalculate re-derives every ticket's status against the current clock.
// Only the late transition can change without an event.
func (b *Board) Recalculate() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, t := range b.tickets {
		next := b.deriveLocked(t, now)
		if next != t.Status {
			t.Status = next
			t.Version++
		}
	}
}

// Run re-evaluates time-driven status on the given interval until ctx is done.
func (b *Board) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Recalculate()
		}
	}
}

// Warm rebuilds the board by replaying retained events from a persistent
// stream, for a fresh process whose in-memory replay window is empty.
func (b *Board) Warm(ctx context.Context, stream events.StreamConsumer) error {
	if stream == nil {
		return nil
	}

	messages, err := stream.Fetch(ctx, 10000)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		var evt event.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.logger.Error("failed to unmarshal replayed event", "error", err)
			continue
		}
		b.Apply(evt)
	}

	b.logger.Info("board warmed from stream", "events", len(messages), "tickets", b.Count())
	return nil
}

// Get returns a copy of one ticket.
func (b *Board) Get(orderID string) (Ticket, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t := b.tickets[orderID]
	if t == nil {
		return Ticket{}, false
	}
	return copyTicket(t), true
}

// Tickets returns copies of all active tickets, oldest first.
func (b *Board) Tickets() []Ticket {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Ticket, 0, len(b.tickets))
	for _, t := range b.tickets {
		out = append(out, copyTicket(t))
	}
	sortTickets(out)
	return out
}

// ByStation is a read-only projection: tickets that have at least one item at
// the given station, each restricted to that station's items. The canonical
// tickets are not touched.
func (b *Board) ByStation(st string) []Ticket {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Ticket, 0)
	for _, t := range b.tickets {
		var items []Item
		for i := range t.Items {
			if t.Items[i].Station == st {
				items = append(items, t.Items[i])
			}
		}
		if len(items) == 0 {
			continue
		}
		projected := copyTicket(t)
		projected.Items = items
		out = append(out, projected)
	}
	sortTickets(out)
	return out
}

// Count returns the number of active tickets.
func (b *Board) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tickets)
}

func copyTicket(t *Ticket) Ticket {
	out := *t
	out.Items = make([]Item, len(t.Items))
	copy(out.Items, t.Items)
	if t.FiredAt != nil {
		firedAt := *t.FiredAt
		out.FiredAt = &firedAt
	}
	return out
}

func sortTickets(ts []Ticket) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].OrderID < ts[j].OrderID
	})
}
