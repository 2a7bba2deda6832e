package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/expoclub/expo/pkg/events"
	"github.com/expoclub/expo/pkg/ticket"
	"github.com/expoclub/expo/services/sync/internal/relay"
	"github.com/expoclub/expo/services/sync/internal/stream"
)

// BoardSet maintains one ticket board per location on the server side,
// each fed by its own subscription to the dispatcher. Boards are created on
// demand and live until Stop.
type BoardSet struct {
	dispatcher *stream.Dispatcher
	lateAfter  time.Duration
	recalc     time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	warm   events.StreamConsumer
	boards map[string]*ticket.Board
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBoardSet(dispatcher *stream.Dispatcher, lateAfter, recalc time.Duration, logger *slog.Logger) *BoardSet {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BoardSet{
		dispatcher: dispatcher,
		lateAfter:  lateAfter,
		recalc:     recalc,
		logger:     logger,
		boards:     make(map[string]*ticket.Board),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// warmFilter narrows a whole-stream consumer to one location, unwrapping
// broker envelopes along the way.
type warmFilter struct {
	src        events.StreamConsumer
	locationID string
}

func (f warmFilter) Fetch(ctx context.Context, limit int) ([]events.StreamMessage, error) {
	msgs, err := f.src.Fetch(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, msg := range msgs {
		evt, err := relay.Unwrap(msg.Data)
		if err != nil || evt.LocationID != f.locationID {
			continue
		}
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		msg.Data = data
		out = append(out, msg)
	}
	return out, nil
}

// SetWarmSource installs a durable stream new boards warm from before
// replaying the in-memory window. Events for other locations are filtered
// out before they reach the board.
func (s *BoardSet) SetWarmSource(warm events.StreamConsumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warm = warm
}

// Ensure returns the board for a location, creating and subscribing it on
// first use. A new board replays the retained log window before tailing live
// events, so it picks up tickets already in flight.
func (s *BoardSet) Ensure(locationID string) *ticket.Board {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b := s.boards[locationID]; b != nil {
		return b
	}

	b := ticket.NewBoard(s.lateAfter, s.logger)
	if s.warm != nil {
		src := warmFilter{src: s.warm, locationID: locationID}
		if err := b.Warm(s.ctx, src); err != nil {
			s.logger.Error("failed to warm ticket board", "location_id", locationID, "error", err)
		}
	}
	listener, backlog := s.dispatcher.Subscribe(locationID, time.Time{}, true)
	for _, evt := range backlog {
		b.Apply(evt)
	}

	go func() {
		for evt := range listener.Events() {
			b.Apply(evt)
		}
	}()
	go b.Run(s.ctx, s.recalc)
	go func() {
		<-s.ctx.Done()
		listener.Close()
	}()

	s.boards[locationID] = b
	s.logger.Info("ticket board started", "location_id", locationID, "replayed", len(backlog))
	return b
}

// Stop releases every board's subscription and stops the recalc loops.
func (s *BoardSet) Stop() {
	s.cancel()
}
