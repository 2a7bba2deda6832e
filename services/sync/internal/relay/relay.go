// Package relay bridges the in-process dispatcher to a NATS broker so that
// multiple service instances see each other's events. Every outgoing event is
// wrapped in an envelope carrying the publishing instance's origin ID; the
// subscriber side drops envelopes it published itself, which keeps the bridge
// loop-free without broker-side filtering.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/expoclub/expo/pkg/event"
	"github.com/expoclub/expo/pkg/events"
	"github.com/expoclub/expo/services/sync/internal/stream"
)

// envelope is the broker wire format.
type envelope struct {
	Origin string      `json:"origin"`
	Event  event.Event `json:"event"`
}

type Relay struct {
	origin     string
	publisher  events.Publisher
	subscriber events.Subscriber
	dispatcher *stream.Dispatcher
	logger     *slog.Logger
}

func New(publisher events.Publisher, subscriber events.Subscriber, dispatcher *stream.Dispatcher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		origin:     uuid.New().String(),
		publisher:  publisher,
		subscriber: subscriber,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Origin identifies this instance on the broker.
func (r *Relay) Origin() string {
	return r.origin
}

// Publish implements events.Publisher so the relay can be installed as the
// dispatcher's mirror. msg is an already-marshaled event; it is re-wrapped in
// an origin envelope before hitting the broker.
func (r *Relay) Publish(ctx context.Context, topic string, msg []byte) error {
	var evt event.Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Origin: r.origin, Event: evt})
	if err != nil {
		return err
	}
	return r.publisher.Publish(ctx, topic, data)
}

// Unwrap decodes a broker message back into the event it carries. Messages
// that predate the envelope format (bare events) decode as well.
func Unwrap(data []byte) (event.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return event.Event{}, err
	}
	if env.Event.Kind != "" {
		return env.Event, nil
	}
	var evt event.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return event.Event{}, err
	}
	return evt, nil
}

// Start subscribes to the broker topic and feeds sibling events into the
// dispatcher. Own-origin envelopes are dropped.
func (r *Relay) Start(ctx context.Context, topic string) error {
	return r.subscriber.Subscribe(ctx, topic, func(ctx context.Context, msg []byte) error {
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			r.logger.Error("failed to decode relayed event", "error", err)
			return nil
		}
		if env.Origin == r.origin {
			return nil
		}
		r.dispatcher.Ingest(env.Event)
		return nil
	})
}
