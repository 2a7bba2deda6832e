package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/expoclub/expo/pkg/event"
	"github.com/expoclub/expo/pkg/ticket"
	"github.com/expoclub/expo/services/sync/internal/auth"
	"github.com/expoclub/expo/services/sync/internal/stream"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	handler    *Handler
	dispatcher *stream.Dispatcher
	store      *MemoryStore
	server     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	d := stream.NewDispatcher(stream.NewLog(100), stream.NewRegistry(noopLogger()), 100, noopLogger())
	boards := NewBoardSet(d, 10*time.Minute, time.Minute, noopLogger())
	t.Cleanup(boards.Stop)

	tokens := auth.NewTokenStore(time.Minute)
	tokens.Register("tok-1", auth.Identity{UserID: "u-1", Locations: []string{"loc-1"}})

	store := NewMemoryStore()
	h := NewHandler(store, d, boards, tokens, noopLogger())

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	return &testEnv{handler: h, dispatcher: d, store: store, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer tok-1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeEvent(t *testing.T, resp *http.Response) event.Event {
	t.Helper()
	defer resp.Body.Close()
	var evt event.Event
	if err := json.NewDecoder(resp.Body).Decode(&evt); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return evt
}

func TestHandlerRequiresToken(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Post(e.server.URL+"/locations/loc-1/orders", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandlerEnforcesLocationScope(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/locations/loc-2/orders", map[string]string{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHandlerOpenOrderPublishes(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/locations/loc-1/orders", map[string]any{
		"order_id":     "o-1",
		"table_number": "12",
		"covers":       2,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	evt := decodeEvent(t, resp)

	if evt.Kind != event.EventOrderOpened {
		t.Errorf("kind = %q", evt.Kind)
	}
	if evt.Seq != 1 || evt.LocationID != "loc-1" || evt.Actor != "u-1" {
		t.Errorf("envelope = %+v", evt)
	}

	events := e.dispatcher.Query("loc-1", time.Time{})
	if len(events) != 1 {
		t.Errorf("log holds %d events, want 1", len(events))
	}
}

func TestHandlerItemLifecycle(t *testing.T) {
	e := newTestEnv(t)

	e.do(t, http.MethodPost, "/locations/loc-1/orders", map[string]any{"order_id": "o-1"}).Body.Close()

	resp := e.do(t, http.MethodPost, "/locations/loc-1/orders/o-1/items", map[string]any{
		"item_id": "i-1",
		"name":    "Smash Burger",
		"station": "grill",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add item status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/locations/loc-1/orders/o-1/items/i-1/fire", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fire status = %d", resp.StatusCode)
	}
	evt := decodeEvent(t, resp)
	if evt.Kind != event.EventOrderItemFired {
		t.Errorf("kind = %q", evt.Kind)
	}

	var payload event.OrderItemEvent
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Status != "fired" || payload.Station != "grill" {
		t.Errorf("payload = %+v", payload)
	}

	// Store rejections surface as HTTP errors and publish nothing.
	resp = e.do(t, http.MethodPost, "/locations/loc-1/orders/o-1/items/i-9/fire", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing item status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHandlerCloseOrderTwiceConflicts(t *testing.T) {
	e := newTestEnv(t)

	e.do(t, http.MethodPost, "/locations/loc-1/orders", map[string]any{"order_id": "o-1"}).Body.Close()
	e.do(t, http.MethodPost, "/locations/loc-1/orders/o-1/close", nil).Body.Close()

	resp := e.do(t, http.MethodPost, "/locations/loc-1/orders/o-1/close", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second close status = %d, want 409", resp.StatusCode)
	}
}

func TestHandlerSubmitAction(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/locations/loc-1/actions", map[string]any{
		"event_type":  event.EventOrderOpened,
		"payload":     map[string]any{"order_id": "o-1", "table_number": "7"},
		"enqueued_at": time.Now().UTC(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	evt := decodeEvent(t, resp)
	if evt.Kind != event.EventOrderOpened {
		t.Errorf("kind = %q", evt.Kind)
	}

	// The order exists afterwards: actions mutate, then announce.
	if _, err := e.store.CloseOrder(context.Background(), "loc-1", "o-1"); err != nil {
		t.Errorf("order not created by action: %v", err)
	}
}

func TestHandlerSubmitActionUnknownKind(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/locations/loc-1/actions", map[string]any{
		"event_type": "order.exploded",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandlerSubmitActionFailureDoesNotPublish(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/locations/loc-1/actions", map[string]any{
		"event_type": event.EventOrderClosed,
		"payload":    map[string]any{"order_id": "o-missing"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if events := e.dispatcher.Query("loc-1", time.Time{}); len(events) != 0 {
		t.Errorf("failed action published %d events", len(events))
	}
}

func TestHandlerListEvents(t *testing.T) {
	e := newTestEnv(t)

	e.do(t, http.MethodPost, "/locations/loc-1/orders", map[string]any{"order_id": "o-1"}).Body.Close()
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	e.do(t, http.MethodPost, "/locations/loc-1/orders", map[string]any{"order_id": "o-2"}).Body.Close()

	resp := e.do(t, http.MethodGet, "/locations/loc-1/events", nil)
	var all []event.Event
	json.NewDecoder(resp.Body).Decode(&all)
	resp.Body.Close()
	if len(all) != 2 {
		t.Fatalf("full query returned %d events", len(all))
	}

	resp = e.do(t, http.MethodGet, "/locations/loc-1/events?since="+cutoff.Format(time.RFC3339Nano), nil)
	var after []event.Event
	json.NewDecoder(resp.Body).Decode(&after)
	resp.Body.Close()
	if len(after) != 1 || after[0].Seq != 2 {
		t.Errorf("since query returned %+v", after)
	}

	resp = e.do(t, http.MethodGet, "/locations/loc-1/events?since=banana", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHandlerListTickets(t *testing.T) {
	e := newTestEnv(t)

	e.do(t, http.MethodPost, "/locations/loc-1/orders", map[string]any{"order_id": "o-1"}).Body.Close()
	e.do(t, http.MethodPost, "/locations/loc-1/orders/o-1/items", map[string]any{
		"item_id": "i-1", "name": "Espresso", "station": "coffee",
	}).Body.Close()
	e.do(t, http.MethodPost, "/locations/loc-1/orders/o-1/items", map[string]any{
		"item_id": "i-2", "name": "Burger", "station": "grill",
	}).Body.Close()

	// The board tails the dispatcher asynchronously.
	var tickets []ticket.Ticket
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp := e.do(t, http.MethodGet, "/locations/loc-1/tickets", nil)
		tickets = nil
		json.NewDecoder(resp.Body).Decode(&tickets)
		resp.Body.Close()
		if len(tickets) == 1 && len(tickets[0].Items) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("board never converged: %+v", tickets)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp := e.do(t, http.MethodGet, "/locations/loc-1/tickets?station=grill", nil)
	var grill []ticket.Ticket
	json.NewDecoder(resp.Body).Decode(&grill)
	resp.Body.Close()
	if len(grill) != 1 || len(grill[0].Items) != 1 || grill[0].Items[0].Station != "grill" {
		t.Errorf("station projection = %+v", grill)
	}
}

func TestHandlerCreateSession(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if out["token"] == "" {
		t.Fatal("no token minted")
	}

	// The minted token works on its own.
	req, _ := http.NewRequest(http.MethodGet, e.server.URL+"/locations/loc-1/events", nil)
	req.Header.Set("Authorization", "Bearer "+out["token"])
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("minted token status = %d", resp2.StatusCode)
	}
}
