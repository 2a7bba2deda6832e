package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/expoclub/expo/pkg/event"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(NewLog(100), NewRegistry(noopLogger()), 100, noopLogger())
}

func TestDispatcherPublishStampsEvents(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	before := time.Now().UTC()
	evt, err := d.Publish(ctx, event.EventOrderOpened, "loc-1", map[string]string{"order_id": "o-1"}, "user-1")
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	if evt.Seq != 1 {
		t.Errorf("first event seq = %d, want 1", evt.Seq)
	}
	if evt.Kind != event.EventOrderOpened {
		t.Errorf("kind = %q", evt.Kind)
	}
	if evt.Actor != "user-1" {
		t.Errorf("actor = %q", evt.Actor)
	}
	if evt.OccurredAt.Before(before) {
		t.Errorf("occurred_at %v before publish time %v", evt.OccurredAt, before)
	}

	var payload map[string]string
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("payload does not round-trip: %v", err)
	}
	if payload["order_id"] != "o-1" {
		t.Errorf("payload order_id = %q", payload["order_id"])
	}
}

func TestDispatcherSeqPerScope(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := d.Publish(ctx, event.EventOrderOpened, "loc-1", nil, ""); err != nil {
			t.Fatalf("Publish() error: %v", err)
		}
	}
	evt, _ := d.Publish(ctx, event.EventOrderOpened, "loc-2", nil, "")

	if evt.Seq != 1 {
		t.Errorf("loc-2 first seq = %d, want 1 (scopes share a counter)", evt.Seq)
	}
	events := d.Query("loc-1", time.Time{})
	if len(events) != 3 || events[2].Seq != 3 {
		t.Errorf("loc-1 retained %d events, last seq %d", len(events), events[len(events)-1].Seq)
	}
}

func TestDispatcherPublishDeliversToListeners(t *testing.T) {
	d := newTestDispatcher(t)

	l, backlog := d.Subscribe("loc-1", time.Time{}, true)
	defer l.Close()
	if len(backlog) != 0 {
		t.Fatalf("fresh scope backlog = %d events", len(backlog))
	}

	d.Publish(context.Background(), event.EventOrderOpened, "loc-1", nil, "")

	select {
	case evt := <-l.Events():
		if evt.Seq != 1 {
			t.Errorf("delivered seq = %d", evt.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("listener received nothing")
	}
}

func TestDispatcherSubscribeReplaysBacklog(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d.Publish(ctx, event.EventOrderOpened, "loc-1", nil, "")
	}

	l, backlog := d.Subscribe("loc-1", time.Time{}, true)
	defer l.Close()

	if len(backlog) != 5 {
		t.Fatalf("backlog = %d events, want 5", len(backlog))
	}
	for i, evt := range backlog {
		if evt.Seq != uint64(i+1) {
			t.Errorf("backlog[%d].Seq = %d, want %d", i, evt.Seq, i+1)
		}
	}
}

func TestDispatcherSubscribeWithoutReplay(t *testing.T) {
	d := newTestDispatcher(t)

	d.Publish(context.Background(), event.EventOrderOpened, "loc-1", nil, "")

	l, backlog := d.Subscribe("loc-1", time.Time{}, false)
	defer l.Close()

	if len(backlog) != 0 {
		t.Errorf("backlog = %d events with replay disabled", len(backlog))
	}
}

// A subscriber racing concurrent publishes must observe a gapless sequence:
// whatever it gets as backlog plus live delivery covers every event exactly
// once.
func TestDispatcherSubscribeIsAtomicWithPublish(t *testing.T) {
	d := NewDispatcher(NewLog(300), NewRegistry(noopLogger()), 300, noopLogger())
	ctx := context.Background()

	const total = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			d.Publish(ctx, event.EventOrderOpened, "loc-1", nil, "")
		}
	}()

	time.Sleep(time.Millisecond)
	l, backlog := d.Subscribe("loc-1", time.Time{}, true)
	wg.Wait()

	seen := make(map[uint64]bool, total)
	for _, evt := range backlog {
		if seen[evt.Seq] {
			t.Fatalf("seq %d seen twice in backlog", evt.Seq)
		}
		seen[evt.Seq] = true
	}

	deadline := time.After(2 * time.Second)
	for len(seen) < total {
		select {
		case evt, ok := <-l.Events():
			if !ok {
				t.Fatal("listener closed early")
			}
			if seen[evt.Seq] {
				t.Fatalf("seq %d delivered twice", evt.Seq)
			}
			seen[evt.Seq] = true
		case <-deadline:
			t.Fatalf("saw %d of %d events, %d dropped", len(seen), total, l.Dropped())
		}
	}
	l.Close()

	for i := uint64(1); i <= total; i++ {
		if !seen[i] {
			t.Errorf("seq %d missing", i)
		}
	}
}

func TestDispatcherRelayFailureDoesNotFailPublish(t *testing.T) {
	d := newTestDispatcher(t)

	pub := NewMockPublisher()
	pub.PublishFunc = func(context.Context, string, []byte) error {
		return errors.New("broker down")
	}
	d.SetRelay(pub, nil)

	evt, err := d.Publish(context.Background(), event.EventOrderOpened, "loc-1", nil, "")
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if evt.Seq != 1 {
		t.Errorf("seq = %d", evt.Seq)
	}
	if pub.Count() != 1 {
		t.Errorf("relay called %d times, want 1", pub.Count())
	}
}

func TestDispatcherRelayTopic(t *testing.T) {
	d := newTestDispatcher(t)

	pub := NewMockPublisher()
	d.SetRelay(pub, nil)

	d.Publish(context.Background(), event.EventOrderOpened, "loc-9", nil, "")

	if pub.Count() != 1 {
		t.Fatalf("relay called %d times", pub.Count())
	}
	if got := pub.Published[0].Topic; got != "pos.events.loc-9" {
		t.Errorf("relay topic = %q", got)
	}
}

func TestDispatcherIngestKeepsOriginSeq(t *testing.T) {
	d := newTestDispatcher(t)

	l, _ := d.Subscribe("loc-1", time.Time{}, false)
	defer l.Close()

	d.Ingest(event.Event{
		Kind:       event.EventOrderOpened,
		LocationID: "loc-1",
		Seq:        7,
		OccurredAt: time.Now().UTC(),
	})

	select {
	case evt := <-l.Events():
		if evt.Seq != 7 {
			t.Errorf("ingested seq = %d, want 7", evt.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("ingested event not delivered")
	}

	// Local publishing resumes past the ingested sequence.
	evt, _ := d.Publish(context.Background(), event.EventOrderOpened, "loc-1", nil, "")
	if evt.Seq != 8 {
		t.Errorf("next local seq = %d, want 8", evt.Seq)
	}
}

func TestDispatcherIngestWithTrailingClockStaysOrdered(t *testing.T) {
	d := newTestDispatcher(t)

	local, _ := d.Publish(context.Background(), event.EventOrderOpened, "loc-1", nil, "")

	// A sibling whose clock runs behind relays an event stamped before the
	// local tail.
	d.Ingest(event.Event{
		Kind:       event.EventOrderItemAdded,
		LocationID: "loc-1",
		Seq:        local.Seq + 1,
		OccurredAt: local.OccurredAt.Add(-time.Second),
	})

	got := d.Query("loc-1", time.Time{})
	if len(got) != 2 {
		t.Fatalf("retained %d events, want 2", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].OccurredAt.Before(got[i-1].OccurredAt) {
			t.Errorf("replay timestamps out of order at %d", i)
		}
	}
}
