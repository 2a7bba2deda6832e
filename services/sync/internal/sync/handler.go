package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/expoclub/expo/pkg/enums/itemstatus"
	"github.com/expoclub/expo/pkg/event"
	"github.com/expoclub/expo/services/sync/internal/auth"
	"github.com/expoclub/expo/services/sync/internal/stream"
)

var ErrUnsupportedAction = errors.New("unsupported action kind")

type ctxKey int

const identityKey ctxKey = 0

// Handler exposes the domain mutation API. Every mutation applies to the
// order store first and publishes only after that succeeds; the dispatcher
// announces completed mutations, nothing else.
type Handler struct {
	store      OrderStore
	dispatcher *stream.Dispatcher
	boards     *BoardSet
	tokens     *auth.TokenStore
	logger     *slog.Logger
}

func NewHandler(store OrderStore, dispatcher *stream.Dispatcher, boards *BoardSet, tokens *auth.TokenStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		boards:     boards,
		tokens:     tokens,
		logger:     logger,
	}
}

// Routes mounts the API under a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireIdentity)

	r.Post("/sessions", h.CreateSession)

	r.Route("/locations/{locationID}", func(r chi.Router) {
		r.Use(h.requireLocation)

		r.Post("/orders", h.OpenOrder)
		r.Post("/orders/{orderID}/close", h.CloseOrder)
		r.Post("/orders/{orderID}/items", h.AddItem)
		r.Post("/orders/{orderID}/items/{itemID}/fire", h.itemStatusHandler(event.EventOrderItemFired))
		r.Post("/orders/{orderID}/items/{itemID}/ready", h.itemStatusHandler(event.EventOrderItemReady))
		r.Post("/orders/{orderID}/items/{itemID}/bump", h.itemStatusHandler(event.EventOrderItemBumped))
		r.Post("/orders/{orderID}/items/{itemID}/void", h.itemStatusHandler(event.EventOrderItemVoided))
		r.Post("/orders/{orderID}/ticket/bump", h.ticketHandler(event.EventTicketBumped))
		r.Post("/orders/{orderID}/ticket/recall", h.ticketHandler(event.EventTicketRecalled))

		r.Post("/menu-items/{menuItemID}/eighty-six", h.EightySix)
		r.Post("/menu-items/{menuItemID}/restore", h.RestoreMenuItem)
		r.Post("/inventory-alerts", h.InventoryAlert)
		r.Post("/announcements", h.PostAnnouncement)
		r.Post("/shifts/open", h.shiftHandler(event.EventShiftOpened))
		r.Post("/shifts/close", h.shiftHandler(event.EventShiftClosed))

		r.Post("/actions", h.SubmitAction)

		r.Get("/tickets", h.ListTickets)
		r.Get("/events", h.ListEvents)
	})

	return r
}

// requireIdentity authenticates the request and attaches the identity to the
// context.
func (h *Handler) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := h.tokens.Authenticate(r)
		if err != nil {
			h.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireLocation enforces the identity's location scope for every route
// under /locations/{locationID}.
func (h *Handler) requireLocation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := identityFrom(r.Context())
		if !identity.Allowed(chi.URLParam(r, "locationID")) {
			h.jsonError(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identityFrom(ctx context.Context) auth.Identity {
	identity, _ := ctx.Value(identityKey).(auth.Identity)
	return identity
}

// CreateSession mints a transient token for the authenticated identity, for
// transports that carry credentials in the URL.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	token, err := h.tokens.Create(identity)
	if err != nil {
		h.jsonError(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, map[string]string{"token": token})
}

type openOrderRequest struct {
	OrderID     string `json:"order_id,omitempty"`
	TableNumber string `json:"table_number,omitempty"`
	Covers      int    `json:"covers,omitempty"`
}

func (h *Handler) OpenOrder(w http.ResponseWriter, r *http.Request) {
	locationID := chi.URLParam(r, "locationID")

	var req openOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OrderID == "" {
		req.OrderID = uuid.New().String()
	}

	order := &Order{
		ID:          req.OrderID,
		LocationID:  locationID,
		TableNumber: req.TableNumber,
		Covers:      req.Covers,
	}
	if err := h.store.OpenOrder(r.Context(), order); err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	evt, err := h.dispatcher.Publish(r.Context(), event.EventOrderOpened, locationID, event.OrderEvent{
		OrderID:     order.ID,
		TableNumber: order.TableNumber,
		Covers:      order.Covers,
	}, identityFrom(r.Context()).UserID)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, evt)
}

func (h *Handler) CloseOrder(w http.ResponseWriter, r *http.Request) {
	locationID := chi.URLParam(r, "locationID")
	orderID := chi.URLParam(r, "orderID")

	order, err := h.store.CloseOrder(r.Context(), locationID, orderID)
	if err != nil {
		h.jsonError(w, err.Error(), storeStatus(err))
		return
	}

	evt, err := h.dispatcher.Publish(r.Context(), event.EventOrderClosed, locationID, event.OrderEvent{
		OrderID:     order.ID,
		TableNumber: order.TableNumber,
	}, identityFrom(r.Context()).UserID)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, evt)
}

type addItemRequest struct {
	ItemID     string `json:"item_id,omitempty"`
	MenuItemID string `json:"menu_item_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Station    string `json:"station,omitempty"`
	Quantity   int    `json:"quantity,omitempty"`
	Seat       int    `json:"seat,omitempty"`
	Course     int    `json:"course,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	locationID := chi.URLParam(r, "locationID")
	orderID := chi.URLParam(r, "orderID")

	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ItemID == "" {
		req.ItemID = uuid.New().String()
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	item := &OrderItem{
		ID:         req.ItemID,
		MenuItemID: req.MenuItemID,
		Name:       req.Name,
		Station:    req.Station,
		Status:     itemstatus.Statuses.Pending.Code(),
		Quantity:   req.Quantity,
		Seat:       req.Seat,
		Course:     req.Course,
		Notes:      req.Notes,
	}
	if err := h.store.AddItem(r.Context(), locationID, orderID, item); err != nil {
		h.jsonError(w, err.Error(), storeStatus(err))
		return
	}

	evt, err := h.dispatcher.Publish(r.Context(), event.EventOrderItemAdded, locationID,
		itemPayload(item, orderID), identityFrom(r.Context()).UserID)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, evt)
}

// itemStatusHandler returns the handler for one item lifecycle transition.
func (h *Handler) itemStatusHandler(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locationID := chi.URLParam(r, "locationID")
		orderID := chi.URLParam(r, "orderID")
		itemID := chi.URLParam(r, "itemID")

		evt, err := h.applyItemStatus(r.Context(), identityFrom(r.Context()), kind, locationID, orderID, itemID)
		if err != nil {
			h.jsonError(w, err.Error(), storeStatus(err))
			return
		}
		h.jsonOK(w, evt)
	}
}

func (h *Handler) applyItemStatus(ctx context.Context, identity auth.Identity, kind, locationID, orderID, itemID string) (event.Event, error) {
	status, ok := itemStatusFor(kind)
	if !ok {
		return event.Event{}, ErrUnsupportedAction
	}

	item, err := h.store.SetItemStatus(ctx, locationID, orderID, itemID, status)
	if err != nil {
		return event.Event{}, err
	}
	return h.dispatcher.Publish(ctx, kind, locationID, itemPayload(item, orderID), identity.UserID)
}

func itemStatusFor(kind string) (string, bool) {
	switch kind {
	case event.EventOrderItemFired:
		return itemstatus.Statuses.Fired.Code(), true
	case event.EventOrderItemReady:
		return itemstatus.Statuses.Ready.Code(), true
	case event.EventOrderItemBumped:
		return itemstatus.Statuses.Bumped.Code(), true
	case event.EventOrderItemVoided:
		return itemstatus.Statuses.Voided.Code(), true
	}
	return "", false
}

func itemPayload(item *OrderItem, orderID string) event.OrderItemEvent {
	return event.OrderItemEvent{
		OrderID:      orderID,
		OrderItemID:  item.ID,
		MenuItemID:   item.MenuItemID,
		Quantity:     item.Quantity,
		Seat:         item.Seat,
		Course:       item.Course,
		Status:       item.Status,
		Station:      item.Station,
		Notes:        item.Notes,
		MenuItemName: item.Name,
	}
}

func (h *Handler) ticketHandler(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locationID := chi.URLParam(r, "locationID")

		evt, err := h.dispatcher.Publish(r.Context(), kind, locationID, event.TicketEvent{
			OrderID: chi.URLParam(r, "orderID"),
		}, identityFrom(r.Context()).UserID)
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.jsonOK(w, evt)
	}
}

type menuItemRequest struct {
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) EightySix(w http.ResponseWriter, r *http.Request) {
	h.menuItemEvent(w, r, event.EventMenuItemEightySixed)
}

func (h *Handler) RestoreMenuItem(w http.ResponseWriter, r *http.Request) {
	h.menuItemEvent(w, r, event.EventMenuItemRestored)
}

func (h *Handler) menuItemEvent(w http.ResponseWriter, r *http.Request, kind string) {
	locationID := chi.URLParam(r, "locationID")

	var req menuItemRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	evt, err := h.dispatcher.Publish(r.Context(), kind, locationID, event.MenuItemEvent{
		MenuItemID:   chi.URLParam(r, "menuItemID"),
		MenuItemName: req.Name,
		Reason:       req.Reason,
	}, identityFrom(r.Context()).UserID)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, evt)
}

func (h *Handler) InventoryAlert(w http.ResponseWriter, r *http.Request) {
	locationID := chi.URLParam(r, "locationID")

	var req event.InventoryEvent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	kind := event.EventInventoryLow
	if req.Remaining <= 0 {
		kind = event.EventInventoryDepleted
	}

	evt, err := h.dispatcher.Publish(r.Context(), kind, locationID, req, identityFrom(r.Context()).UserID)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, evt)
}

func (h *Handler) PostAnnouncement(w http.ResponseWriter, r *http.Request) {
	locationID := chi.URLParam(r, "locationID")

	var req event.AnnouncementEvent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		h.jsonError(w, "announcement requires a message", http.StatusBadRequest)
		return
	}

	evt, err := h.dispatcher.Publish(r.Context(), event.EventAnnouncementPosted, locationID, req, identityFrom(r.Context()).UserID)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, evt)
}

func (h *Handler) shiftHandler(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locationID := chi.URLParam(r, "locationID")
		identity := identityFrom(r.Context())

		var req event.ShiftEvent
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&req)
		}
		if req.ShiftID == "" {
			req.ShiftID = uuid.New().String()
		}
		if kind == event.EventShiftOpened {
			req.OpenedBy = identity.UserID
			req.OpenedAt = time.Now().UTC()
		}

		evt, err := h.dispatcher.Publish(r.Context(), kind, locationID, req, identity.UserID)
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.jsonOK(w, evt)
	}
}

// actionRequest is one replayed entry from a terminal's offline queue.
type actionRequest struct {
	Kind       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// SubmitAction applies one queued terminal action. The 200 response is the
// acknowledgment the terminal waits for before removing the action from its
// queue; any error leaves the action queued on the terminal.
func (h *Handler) SubmitAction(w http.ResponseWriter, r *http.Request) {
	locationID := chi.URLParam(r, "locationID")
	identity := identityFrom(r.Context())

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	evt, err := h.Apply(r.Context(), identity, req.Kind, locationID, req.Payload)
	if err != nil {
		h.jsonError(w, err.Error(), actionStatus(err))
		return
	}
	h.jsonOK(w, evt)
}

// Apply executes one announced mutation kind against the store and publishes
// the resulting event. It backs both the queued-action endpoint and channel
// emissions, so a terminal converges to the same state whichever path its
// action took.
func (h *Handler) Apply(ctx context.Context, identity auth.Identity, kind, locationID string, payload json.RawMessage) (event.Event, error) {
	switch kind {
	case event.EventOrderOpened:
		var p event.OrderEvent
		if err := json.Unmarshal(payload, &p); err != nil {
			return event.Event{}, fmt.Errorf("invalid payload: %w", err)
		}
		if p.OrderID == "" {
			p.OrderID = uuid.New().String()
		}
		order := &Order{ID: p.OrderID, LocationID: locationID, TableNumber: p.TableNumber, Covers: p.Covers}
		if err := h.store.OpenOrder(ctx, order); err != nil {
			return event.Event{}, err
		}
		return h.dispatcher.Publish(ctx, kind, locationID, p, identity.UserID)

	case event.EventOrderClosed:
		var p event.OrderEvent
		if err := json.Unmarshal(payload, &p); err != nil {
			return event.Event{}, fmt.Errorf("invalid payload: %w", err)
		}
		order, err := h.store.CloseOrder(ctx, locationID, p.OrderID)
		if err != nil {
			return event.Event{}, err
		}
		return h.dispatcher.Publish(ctx, kind, locationID, event.OrderEvent{
			OrderID:     order.ID,
			TableNumber: order.TableNumber,
		}, identity.UserID)

	case event.EventOrderItemAdded:
		var p event.OrderItemEvent
		if err := json.Unmarshal(payload, &p); err != nil {
			return event.Event{}, fmt.Errorf("invalid payload: %w", err)
		}
		if p.OrderItemID == "" {
			p.OrderItemID = uuid.New().String()
		}
		item := &OrderItem{
			ID:         p.OrderItemID,
			MenuItemID: p.MenuItemID,
			Name:       p.MenuItemName,
			Station:    p.Station,
			Status:     itemstatus.Statuses.Pending.Code(),
			Quantity:   p.Quantity,
			Seat:       p.Seat,
			Course:     p.Course,
			Notes:      p.Notes,
		}
		if err := h.store.AddItem(ctx, locationID, p.OrderID, item); err != nil {
			return event.Event{}, err
		}
		return h.dispatcher.Publish(ctx, kind, locationID, itemPayload(item, p.OrderID), identity.UserID)

	case event.EventOrderItemFired, event.EventOrderItemReady,
		event.EventOrderItemBumped, event.EventOrderItemVoided:
		var p event.OrderItemEvent
		if err := json.Unmarshal(payload, &p); err != nil {
			return event.Event{}, fmt.Errorf("invalid payload: %w", err)
		}
		return h.applyItemStatus(ctx, identity, kind, locationID, p.OrderID, p.OrderItemID)

	case event.EventTicketBumped, event.EventTicketRecalled,
		event.EventMenuItemEightySixed, event.EventMenuItemRestored,
		event.EventInventoryLow, event.EventInventoryDepleted,
		event.EventShiftOpened, event.EventShiftClosed,
		event.EventAnnouncementPosted, event.EventTerminalSynced:
		// Mutations whose store of record is outside this service:
		// announce only.
		return h.dispatcher.Publish(ctx, kind, locationID, payload, identity.UserID)

	default:
		return event.Event{}, ErrUnsupportedAction
	}
}

func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	locationID := chi.URLParam(r, "locationID")
	board := h.boards.Ensure(locationID)

	if st := r.URL.Query().Get("station"); st != "" {
		h.jsonOK(w, board.ByStation(st))
		return
	}
	h.jsonOK(w, board.Tickets())
}

// ListEvents is the JSON replay query over the bounded log window. A client
// whose gap exceeds the window gets fewer events than it missed and must
// fall back to a full state refresh.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	locationID := chi.URLParam(r, "locationID")

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.jsonError(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	h.jsonOK(w, h.dispatcher.Query(locationID, since))
}

func (h *Handler) jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func storeStatus(err error) int {
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrOrderClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func actionStatus(err error) int {
	if errors.Is(err, ErrUnsupportedAction) {
		return http.StatusBadRequest
	}
	return storeStatus(err)
}
