package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/expoclub/expo/pkg/config"
)

func TestStatusReportsErrorAfterRejectedAction(t *testing.T) {
	q := newTestQueue(t, 0)
	q.SetSender(func(ctx context.Context, action Action) error {
		return errors.New("server rejected")
	})

	srv := httptest.NewServer(NewHandler(nil, q, noopLogger()).Routes())
	defer srv.Close()

	ctx := context.Background()
	q.Enqueue(ctx, "loc-1", "order.opened", nil)
	q.Drain(ctx)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status error: %v", err)
	}
	defer resp.Body.Close()

	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != StateError {
		t.Errorf("status state = %q after rejected action, want error", st.State)
	}
	if st.Pending != 1 {
		t.Errorf("status pending = %d, want 1", st.Pending)
	}
}

func TestSubmitActionQueuesWhileOffline(t *testing.T) {
	q := newTestQueue(t, 0)
	cfg := config.TerminalConfig{
		ServerURL:  "http://127.0.0.1:1",
		TerminalID: "term-1",
		Locations:  []string{"loc-1"},
	}
	client := NewClient(cfg, q, 10*time.Minute, time.Second, noopLogger())

	srv := httptest.NewServer(NewHandler(client, q, noopLogger()).Routes())
	defer srv.Close()

	body := bytes.NewBufferString(`{"event_type":"order.opened","payload":{"order_id":"o-1"}}`)
	resp, err := http.Post(srv.URL+"/locations/loc-1/actions", "application/json", body)
	if err != nil {
		t.Fatalf("POST actions error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	n, _ := q.Pending(context.Background())
	if n != 1 {
		t.Errorf("Pending() = %d, want 1", n)
	}

	st, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET status error: %v", err)
	}
	defer st.Body.Close()
	var status statusResponse
	json.NewDecoder(st.Body).Decode(&status)
	if status.State != StateOffline {
		t.Errorf("status state = %q, want offline", status.State)
	}
	if status.Pending != 1 {
		t.Errorf("status pending = %d, want 1", status.Pending)
	}
}
