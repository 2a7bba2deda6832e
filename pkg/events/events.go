// Package events defines the messaging abstractions the services wire
// together: fire-and-forget publish/subscribe plus a replayable stream
// consumer. Implementations live in pkg (NATS) and in test mocks.
package events

import "context"

// HandlerFunc processes one raw message. Returning an error signals the
// transport that delivery failed (stream implementations may redeliver).
type HandlerFunc func(ctx context.Context, msg []byte) error

// Publisher publishes raw messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg []byte) error
}

// Subscriber delivers every message on a topic to a handler.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler HandlerFunc) error
}

// StreamMessage is one replayed entry from a persistent stream.
type StreamMessage struct {
	Data      []byte
	Sequence  uint64
	Timestamp int64
}

// StreamConsumer fetches retained messages from a persistent stream, used to
// warm derived state at startup before tailing live events. Fetch is a
// repeatable replay from the beginning of the retained history; one caller's
// fetch never consumes messages away from another's.
type StreamConsumer interface {
	Fetch(ctx context.Context, limit int) ([]StreamMessage, error)
}
