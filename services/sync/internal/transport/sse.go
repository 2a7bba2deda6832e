// Package transport exposes the event stream to remote terminals over two
// adapters, a unidirectional SSE stream and a bidirectional WebSocket
// channel. Both authenticate before subscribing and both converge a consumer
// to the same view state: replay of the bounded log window, then live tail.
package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/expoclub/expo/services/sync/internal/auth"
	"github.com/expoclub/expo/services/sync/internal/stream"
)

// connectedMessage is the reserved message sent once at stream start.
type connectedMessage struct {
	LocationID string    `json:"location_id"`
	ServerTime time.Time `json:"server_time"`
}

// SSEHandler streams a location's events over Server-Sent Events: on connect
// it replays retained events since now − window (or the client's `since`
// parameter), then tails live events, sending a ping on a fixed interval to
// surface half-open connections.
type SSEHandler struct {
	dispatcher    *stream.Dispatcher
	authenticator auth.Authenticator
	window        time.Duration
	pingInterval  time.Duration
	logger        *slog.Logger
}

// NewSSEHandler creates a new SSE handler.
func NewSSEHandler(dispatcher *stream.Dispatcher, authenticator auth.Authenticator, window, pingInterval time.Duration, logger *slog.Logger) *SSEHandler {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{
		dispatcher:    dispatcher,
		authenticator: authenticator,
		window:        window,
		pingInterval:  pingInterval,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for the SSE endpoint.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticator.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	locationID := chi.URLParam(r, "locationID")
	if locationID == "" {
		locationID = r.URL.Query().Get("location")
	}
	if !identity.Allowed(locationID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	since := time.Now().Add(-h.window)
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		// Never reach further back than the replay window allows.
		if parsed.After(since) {
			since = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Replay and registration are one atomic step: nothing published between
	// the two can be missed or doubled.
	listener, backlog := h.dispatcher.Subscribe(locationID, since, true)
	defer listener.Close()

	h.logger.Info("new SSE connection", "listener_id", listener.ID, "location_id", locationID, "user_id", identity.UserID, "replayed", len(backlog))

	// Configure retry interval for reconnection (in milliseconds)
	fmt.Fprintf(w, "retry: 2000\n\n")

	connected, _ := json.Marshal(connectedMessage{LocationID: locationID, ServerTime: time.Now().UTC()})
	sendSSEEvent(w, "connected", string(connected))

	for _, evt := range backlog {
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		sendSSEEvent(w, evt.Kind, string(data))
	}
	flusher.Flush()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("SSE client disconnected", "listener_id", listener.ID, "location_id", locationID)
			return

		case <-ticker.C:
			sendSSEEvent(w, "ping", fmt.Sprintf(`{"server_time":%q}`, time.Now().UTC().Format(time.RFC3339Nano)))

		case evt, ok := <-listener.Events():
			if !ok {
				h.logger.Info("event channel closed", "listener_id", listener.ID)
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error("failed to marshal event", "event_type", evt.Kind, "error", err)
				continue
			}
			sendSSEEvent(w, evt.Kind, string(data))
		}
	}
}

// sendSSEEvent sends an SSE event with properly formatted multi-line data.
func sendSSEEvent(w http.ResponseWriter, eventType string, data string) {
	data = strings.TrimSpace(data)

	fmt.Fprintf(w, "event: %s\n", eventType)

	// SSE format: each line of data must be prefixed with "data: "
	lines := strings.Split(data, "\n")
	for _, line := range lines {
		fmt.Fprintf(w, "data: %s\n", line)
	}

	// Empty line marks end of event
	fmt.Fprintf(w, "\n")

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
