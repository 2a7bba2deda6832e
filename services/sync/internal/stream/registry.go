package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/expoclub/expo/pkg/event"
	"github.com/google/uuid"
)

// Listener is one live subscription to a single scope. It exists for the
// lifetime of a client connection: the transport that created it must call
// Close on every disconnect path. Close is idempotent and safe to call from
// the consumer's own teardown.
type Listener struct {
	ID    string
	Scope string

	ch      chan event.Event
	reg     *Registry
	once    sync.Once
	dropped atomic.Uint64
}

// Events returns the channel live events are delivered on. The channel is
// closed by Close.
func (l *Listener) Events() <-chan event.Event {
	return l.ch
}

// Dropped reports how many events were discarded because the listener's
// buffer was full. Consumers that observe drops should refill from the log.
func (l *Listener) Dropped() uint64 {
	return l.dropped.Load()
}

// Close unsubscribes the listener and closes its channel.
func (l *Listener) Close() {
	l.once.Do(func() {
		l.reg.unsubscribe(l)
	})
}

// Registry maps each scope to its current listeners and fans published events
// out to them. Listeners registered to one location never receive another
// location's events.
type Registry struct {
	mu     sync.RWMutex
	scopes map[string]map[*Listener]struct{}
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		scopes: make(map[string]map[*Listener]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new listener for scope with the given send buffer.
func (r *Registry) Subscribe(scope string, buffer int) *Listener {
	if buffer <= 0 {
		buffer = 100
	}
	l := &Listener{
		ID:    uuid.New().String(),
		Scope: scope,
		ch:    make(chan event.Event, buffer),
		reg:   r,
	}

	r.mu.Lock()
	set := r.scopes[scope]
	if set == nil {
		set = make(map[*Listener]struct{})
		r.scopes[scope] = set
	}
	set[l] = struct{}{}
	total := len(set)
	r.mu.Unlock()

	r.logger.Info("new stream listener", "listener_id", l.ID, "scope", scope, "scope_listeners", total)
	return l
}

// Notify delivers evt to every listener currently registered for scope. The
// send is non-blocking: a listener whose buffer is full has the event dropped
// and its drop counter bumped. The log replay path is its recovery.
func (r *Registry) Notify(scope string, evt event.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for l := range r.scopes[scope] {
		select {
		case l.ch <- evt:
		default:
			l.dropped.Add(1)
			r.logger.Info("listener buffer full, dropping event", "listener_id", l.ID, "scope", scope, "event_type", evt.Kind)
		}
	}
}

// Count returns the number of live listeners for scope.
func (r *Registry) Count(scope string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scopes[scope])
}

func (r *Registry) unsubscribe(l *Listener) {
	r.mu.Lock()
	if set := r.scopes[l.Scope]; set != nil {
		delete(set, l)
		if len(set) == 0 {
			delete(r.scopes, l.Scope)
		}
	}
	// Closing under the write lock: Notify holds the read lock while
	// sending, so no send can race the close.
	close(l.ch)
	r.mu.Unlock()

	r.logger.Info("stream listener closed", "listener_id", l.ID, "scope", l.Scope)
}
