package stream

import (
	"sync"
	"time"

	"github.com/expoclub/expo/pkg/event"
)

// Log is an append-only, count-capped buffer of recent events, partitioned by
// location. When a scope's buffer is full the oldest entry is evicted; this is
// capacity policy, not an error. Entries are never mutated after append and a
// scope's entries are never visible to queries for another scope.
//
// The log only stores; fan-out to listeners is the dispatcher's job.
type Log struct {
	mu       sync.RWMutex
	capacity int
	scopes   map[string]*ring
}

type ring struct {
	buf   []event.Event
	head  int
	count int
}

// NewLog creates a log retaining up to capacity events per scope.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 100
	}
	return &Log{
		capacity: capacity,
		scopes:   make(map[string]*ring),
	}
}

// Append records evt under scope, evicting the oldest entry first when the
// scope buffer is at capacity.
func (l *Log) Append(scope string, evt event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.scopes[scope]
	if r == nil {
		r = &ring{buf: make([]event.Event, l.capacity)}
		l.scopes[scope] = r
	}

	if r.count == len(r.buf) {
		// Overwrite the oldest slot.
		r.buf[r.head] = evt
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.count)%len(r.buf)] = evt
	r.count++
}

// Insert records evt under scope keeping the retained window ordered by
// OccurredAt. Events relayed from a sibling instance carry the origin's
// timestamp and can trail the local tail under clock skew; Insert places
// them where their timestamp belongs so replay queries stay ordered.
func (l *Log) Insert(scope string, evt event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.scopes[scope]
	if r == nil {
		r = &ring{buf: make([]event.Event, l.capacity)}
		l.scopes[scope] = r
	}

	// Walk back over retained entries that occurred after evt. Skew is rare
	// and small, so the walk almost always stops at the tail and this is a
	// plain append.
	pos := r.count
	for pos > 0 {
		prev := r.buf[(r.head+pos-1)%len(r.buf)]
		if !prev.OccurredAt.After(evt.OccurredAt) {
			break
		}
		pos--
	}

	if r.count == len(r.buf) {
		if pos == 0 {
			// Older than the whole retained window; it has moved on.
			return
		}
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		pos--
	}

	for i := r.count; i > pos; i-- {
		r.buf[(r.head+i)%len(r.buf)] = r.buf[(r.head+i-1)%len(r.buf)]
	}
	r.buf[(r.head+pos)%len(r.buf)] = evt
	r.count++
}

// Query returns the retained events for scope with OccurredAt strictly after
// since, oldest first. A zero since returns the whole retained window.
func (l *Log) Query(scope string, since time.Time) []event.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r := l.scopes[scope]
	if r == nil {
		return nil
	}

	out := make([]event.Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		evt := r.buf[(r.head+i)%len(r.buf)]
		if !since.IsZero() && !evt.OccurredAt.After(since) {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// Len returns the number of retained events for scope.
func (l *Log) Len(scope string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r := l.scopes[scope]; r != nil {
		return r.count
	}
	return 0
}
