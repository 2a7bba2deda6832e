package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, maxRetries int) *Queue {
	t.Helper()
	q, err := OpenQueue(filepath.Join(t.TempDir(), "queue.db"), maxRetries, noopLogger())
	if err != nil {
		t.Fatalf("OpenQueue() error: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueueEnqueueAndPending(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"order_id":"o-%d"}`, i))
		if err := q.Enqueue(ctx, "loc-1", "order.opened", payload); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	n, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error: %v", err)
	}
	if n != 3 {
		t.Errorf("Pending() = %d, want 3", n)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := OpenQueue(path, 0, noopLogger())
	if err != nil {
		t.Fatal(err)
	}
	q.Enqueue(ctx, "loc-1", "order.opened", json.RawMessage(`{}`))
	q.Close()

	reopened, err := OpenQueue(path, 0, noopLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	n, _ := reopened.Pending(ctx)
	if n != 1 {
		t.Errorf("Pending() after reopen = %d, want 1", n)
	}
}

func TestQueueDrainsInOrder(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()

	var mu sync.Mutex
	var sent []string
	q.SetSender(func(ctx context.Context, action Action) error {
		mu.Lock()
		sent = append(sent, action.Kind)
		mu.Unlock()
		return nil
	})

	kinds := []string{"order.opened", "order.item.added", "order.item.fired"}
	for _, k := range kinds {
		q.Enqueue(ctx, "loc-1", k, nil)
	}

	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 3 {
		t.Fatalf("sent %d actions, want 3", len(sent))
	}
	for i, k := range kinds {
		if sent[i] != k {
			t.Errorf("sent[%d] = %q, want %q", i, sent[i], k)
		}
	}

	n, _ := q.Pending(ctx)
	if n != 0 {
		t.Errorf("Pending() after drain = %d", n)
	}
	if q.LastSyncAt().IsZero() {
		t.Error("LastSyncAt() still zero after successful drain")
	}
}

func TestQueueHaltsOnFailure(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()

	calls := 0
	q.SetSender(func(ctx context.Context, action Action) error {
		calls++
		if action.Kind == "order.item.fired" {
			return errors.New("server rejected")
		}
		return nil
	})

	q.Enqueue(ctx, "loc-1", "order.opened", nil)
	q.Enqueue(ctx, "loc-1", "order.item.fired", nil)
	q.Enqueue(ctx, "loc-1", "order.item.ready", nil)

	if err := q.Drain(ctx); err == nil {
		t.Fatal("Drain() succeeded past a failing action")
	}

	// The failed action and everything behind it stay queued, in order.
	if calls != 2 {
		t.Errorf("sender called %d times, want 2 (halt at first failure)", calls)
	}
	n, _ := q.Pending(ctx)
	if n != 2 {
		t.Errorf("Pending() = %d, want 2", n)
	}

	head, ok, err := q.head(ctx)
	if err != nil || !ok {
		t.Fatalf("head() = %v, %v", ok, err)
	}
	if head.Kind != "order.item.fired" {
		t.Errorf("head after halt = %q, want the failed action", head.Kind)
	}
	if head.Attempts != 1 {
		t.Errorf("head attempts = %d, want 1", head.Attempts)
	}
	if got := q.State(); got != StateError {
		t.Errorf("State() after failed drain = %q, want error", got)
	}
}

func TestQueueRetryResumesAtFailedAction(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()

	failing := true
	var sent []string
	q.SetSender(func(ctx context.Context, action Action) error {
		if failing && action.Kind == "order.item.fired" {
			return errors.New("transient")
		}
		sent = append(sent, action.Kind)
		return nil
	})

	q.Enqueue(ctx, "loc-1", "order.opened", nil)
	q.Enqueue(ctx, "loc-1", "order.item.fired", nil)

	q.Drain(ctx)
	failing = false
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("second Drain() error: %v", err)
	}

	want := []string{"order.opened", "order.item.fired"}
	if len(sent) != len(want) {
		t.Fatalf("sent = %v", sent)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, sent[i], want[i])
		}
	}
}

func TestQueueGoingOfflineStopsDrain(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()

	sent := 0
	q.SetSender(func(ctx context.Context, action Action) error {
		sent++
		// Connectivity dies mid-drain.
		q.mu.Lock()
		q.state = StateOffline
		q.mu.Unlock()
		return nil
	})

	q.Enqueue(ctx, "loc-1", "order.opened", nil)
	q.Enqueue(ctx, "loc-1", "order.closed", nil)

	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if sent != 1 {
		t.Errorf("sent %d actions after going offline, want 1", sent)
	}
	n, _ := q.Pending(ctx)
	if n != 1 {
		t.Errorf("Pending() = %d, want 1", n)
	}
}

func TestQueueFailedDrainFlagsErrorUntilRetrySucceeds(t *testing.T) {
	q := newTestQueue(t, 2)
	ctx := context.Background()

	failing := true
	q.SetSender(func(ctx context.Context, action Action) error {
		if failing {
			return errors.New("server rejected")
		}
		return nil
	})
	q.Enqueue(ctx, "loc-1", "order.opened", nil)

	// Any rejection surfaces error state, not just the retry ceiling.
	q.Drain(ctx)
	if got := q.State(); got != StateError {
		t.Fatalf("State() after rejected drain = %q, want error", got)
	}

	// The action is still queued; nothing is ever dropped.
	n, _ := q.Pending(ctx)
	if n != 1 {
		t.Errorf("Pending() = %d, want 1", n)
	}

	failing = false
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("retry Drain() error: %v", err)
	}
	if got := q.State(); got != StateOnline {
		t.Errorf("State() after successful retry = %q, want online", got)
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Errorf("Pending() after successful retry = %d", n)
	}
}

func TestQueueDrainOutlivesRequestContext(t *testing.T) {
	q := newTestQueue(t, 0)

	release := make(chan struct{})
	q.SetSender(func(ctx context.Context, action Action) error {
		<-release
		// A request-scoped drain would arrive here already canceled.
		return ctx.Err()
	})
	q.mu.Lock()
	q.state = StateOnline
	q.mu.Unlock()

	reqCtx, cancelReq := context.WithCancel(context.Background())
	if err := q.Enqueue(reqCtx, "loc-1", "order.opened", nil); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	// The local handler returns and its context dies while the submission
	// is still in flight.
	cancelReq()
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, _ := q.Pending(context.Background())
		if n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n, _ := q.Pending(context.Background()); n != 0 {
		t.Fatalf("Pending() = %d, action stranded by canceled request context", n)
	}
	if got := q.State(); got != StateOnline {
		t.Errorf("State() = %q, want online", got)
	}
}

func TestQueueSetConnectedTransitions(t *testing.T) {
	q := newTestQueue(t, 0)

	if got := q.State(); got != StateOffline {
		t.Fatalf("initial State() = %q", got)
	}

	q.SetSender(func(context.Context, Action) error { return nil })
	q.SetConnected(true)

	deadline := time.Now().Add(2 * time.Second)
	for q.State() != StateOnline && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := q.State(); got != StateOnline {
		t.Errorf("State() after connect = %q", got)
	}

	q.SetConnected(false)
	if got := q.State(); got != StateOffline {
		t.Errorf("State() after disconnect = %q", got)
	}
}

func TestQueueOnDrainedCallback(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx := context.Background()

	q.SetSender(func(context.Context, Action) error { return nil })
	var reported int
	q.OnDrained(func(n int) { reported = n })

	q.Enqueue(ctx, "loc-1", "order.opened", nil)
	q.Enqueue(ctx, "loc-1", "order.closed", nil)
	q.Drain(ctx)

	if reported != 2 {
		t.Errorf("OnDrained reported %d, want 2", reported)
	}
}
