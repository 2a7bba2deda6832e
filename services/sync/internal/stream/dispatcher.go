package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/expoclub/expo/pkg/event"
	"github.com/expoclub/expo/pkg/events"
)

// Dispatcher is the single entry point domain handlers use to announce a
// completed mutation. It stamps the event, appends it to the log and fans it
// out, all under a per-scope lock, so that:
//
//   - every listener of a scope observes events in the same total order, and
//   - Subscribe's replay query and registration happen atomically with
//     respect to concurrent publishes, so a new listener neither misses nor
//     double-receives an in-flight event.
//
// Scopes are fully independent; publishing to one location never contends
// with another.
//
// Publish never fails for lack of subscribers: delivery is fire-and-forget
// and the log keeps the event for late readers regardless.
type Dispatcher struct {
	log      *Log
	registry *Registry
	buffer   int
	logger   *slog.Logger

	// relay mirrors every published event to an external broker when the
	// service runs with NATS enabled. Delivery failures are logged, never
	// propagated: local consumers were already served.
	relay      events.Publisher
	relayTopic func(scope string) string

	mu     sync.Mutex
	scopes map[string]*scopeState
}

type scopeState struct {
	mu  sync.Mutex
	seq uint64
}

func NewDispatcher(log *Log, registry *Registry, buffer int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		log:      log,
		registry: registry,
		buffer:   buffer,
		logger:   logger,
		scopes:   make(map[string]*scopeState),
	}
}

// SetRelay mirrors published events to the given publisher. topic maps a
// scope to the broker subject; nil uses the default per-location subject.
func (d *Dispatcher) SetRelay(p events.Publisher, topic func(scope string) string) {
	if topic == nil {
		topic = event.LocationTopic
	}
	d.relay = p
	d.relayTopic = topic
}

func (d *Dispatcher) scope(scope string) *scopeState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.scopes[scope]
	if st == nil {
		st = &scopeState{}
		d.scopes[scope] = st
	}
	return st
}

// Publish constructs the event with a server-assigned timestamp and the next
// per-scope sequence number, appends it to the log and notifies listeners.
// Callers invoke it only after their own persistence commit succeeded; the
// dispatcher announces mutations, it never validates them.
func (d *Dispatcher) Publish(ctx context.Context, kind, scope string, payload any, actor string) (event.Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return event.Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		raw = data
	}

	st := d.scope(scope)
	st.mu.Lock()
	st.seq++
	evt := event.Event{
		Kind:       kind,
		LocationID: scope,
		Seq:        st.seq,
		OccurredAt: time.Now().UTC(),
		Actor:      actor,
		Payload:    raw,
	}
	d.log.Append(scope, evt)
	d.registry.Notify(scope, evt)
	st.mu.Unlock()

	if d.relay != nil {
		data, _ := json.Marshal(evt)
		if err := d.relay.Publish(ctx, d.relayTopic(scope), data); err != nil {
			d.logger.Error("failed to relay event", "event_type", kind, "scope", scope, "error", err)
		}
	}

	return evt, nil
}

// Subscribe atomically queries the log since the given time and registers a
// live listener, returning both. A zero since skips replay entirely;
// transports that want the full retained window pass the window start.
func (d *Dispatcher) Subscribe(scope string, since time.Time, replay bool) (*Listener, []event.Event) {
	st := d.scope(scope)
	st.mu.Lock()
	defer st.mu.Unlock()

	var backlog []event.Event
	if replay {
		backlog = d.log.Query(scope, since)
	}
	l := d.registry.Subscribe(scope, d.buffer)
	return l, backlog
}

// Query exposes the log's bounded replay window for read-only consumers.
func (d *Dispatcher) Query(scope string, since time.Time) []event.Event {
	return d.log.Query(scope, since)
}

// Ingest applies an event produced by a sibling instance (arriving over the
// broker relay) to the local log and listeners. The origin's sequence number
// is kept; the local counter is advanced past it so locally published events
// stay monotonic. The origin's timestamp can trail the local tail under
// clock skew, so the log insertion is ordering-aware rather than positional.
func (d *Dispatcher) Ingest(evt event.Event) {
	st := d.scope(evt.LocationID)
	st.mu.Lock()
	if evt.Seq > st.seq {
		st.seq = evt.Seq
	}
	d.log.Insert(evt.LocationID, evt)
	d.registry.Notify(evt.LocationID, evt)
	st.mu.Unlock()
}
