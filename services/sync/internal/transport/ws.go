package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/expoclub/expo/pkg/event"
	"github.com/expoclub/expo/services/sync/internal/auth"
	"github.com/expoclub/expo/services/sync/internal/stream"
)

// EmitFunc handles an event-kind emission from a connected client, a
// terminal announcing a mutation over the channel instead of HTTP. The
// identity has already been verified and scope-checked.
type EmitFunc func(ctx context.Context, identity auth.Identity, kind, locationID string, payload json.RawMessage) error

// clientMessage is what terminals send over the channel.
type clientMessage struct {
	Type       string          `json:"type"` // "join", "leave", "emit"
	LocationID string          `json:"location_id"`
	Since      *time.Time      `json:"since,omitempty"`
	Kind       string          `json:"event_type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// errorMessage is the reserved server reply for a rejected client message.
type errorMessage struct {
	Kind       string `json:"event_type"`
	LocationID string `json:"location_id,omitempty"`
	Error      string `json:"error"`
}

// WSHandler is the bidirectional channel adapter. A connection authenticates
// once at upgrade and may then join and leave any number of location scopes;
// the underlying listeners are subscribed and released in lock-step with
// join/leave, and every listener is released when the connection drops,
// whichever path it drops by.
type WSHandler struct {
	dispatcher    *stream.Dispatcher
	authenticator auth.Authenticator
	emit          EmitFunc
	window        time.Duration
	pingInterval  time.Duration
	logger        *slog.Logger
	upgrader      websocket.Upgrader
}

// NewWSHandler creates a new WebSocket channel handler.
func NewWSHandler(dispatcher *stream.Dispatcher, authenticator auth.Authenticator, emit EmitFunc, window, pingInterval time.Duration, logger *slog.Logger) *WSHandler {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		dispatcher:    dispatcher,
		authenticator: authenticator,
		emit:          emit,
		window:        window,
		pingInterval:  pingInterval,
		logger:        logger,
		upgrader: websocket.Upgrader{
			// Terminals are not browsers; origin enforcement is the reverse
			// proxy's concern.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler for the channel endpoint.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticator.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s := &wsSession{
		handler:  h,
		conn:     conn,
		identity: identity,
		joined:   make(map[string]*stream.Listener),
		out:      make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	h.logger.Info("new channel connection", "user_id", identity.UserID)
	go s.writeLoop()
	s.readLoop(r.Context())
}

// wsSession is one live channel connection and its joined scopes.
type wsSession struct {
	handler  *WSHandler
	conn     *websocket.Conn
	identity auth.Identity

	mu     sync.Mutex
	joined map[string]*stream.Listener

	out  chan []byte
	done chan struct{}
	once sync.Once
}

// teardown releases every joined listener exactly once, on any exit path.
func (s *wsSession) teardown() {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		for scope, l := range s.joined {
			l.Close()
			delete(s.joined, scope)
		}
		s.mu.Unlock()

		s.conn.Close()
		s.handler.logger.Info("channel connection closed", "user_id", s.identity.UserID)
	})
}

func (s *wsSession) readLoop(ctx context.Context) {
	defer s.teardown()

	s.conn.SetReadDeadline(time.Now().Add(2 * s.handler.pingInterval))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(2 * s.handler.pingInterval))
		return nil
	})

	for {
		var msg clientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.handler.logger.Info("channel read error", "user_id", s.identity.UserID, "error", err)
			}
			return
		}

		switch msg.Type {
		case "join":
			s.join(msg)
		case "leave":
			s.leave(msg.LocationID)
		case "emit":
			s.emitEvent(ctx, msg)
		default:
			s.reject(msg.LocationID, "unknown message type: "+msg.Type)
		}
	}
}

func (s *wsSession) join(msg clientMessage) {
	if !s.identity.Allowed(msg.LocationID) {
		s.reject(msg.LocationID, "location not permitted")
		return
	}

	s.mu.Lock()
	if _, ok := s.joined[msg.LocationID]; ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	since := time.Now().Add(-s.handler.window)
	if msg.Since != nil && msg.Since.After(since) {
		since = *msg.Since
	}

	listener, backlog := s.handler.dispatcher.Subscribe(msg.LocationID, since, true)

	s.mu.Lock()
	select {
	case <-s.done:
		// Teardown swept the joined map while this subscription was in
		// flight; the listener would otherwise leak with its pump.
		s.mu.Unlock()
		listener.Close()
		return
	default:
	}
	s.joined[msg.LocationID] = listener
	s.mu.Unlock()

	s.handler.logger.Info("channel joined scope", "user_id", s.identity.UserID, "location_id", msg.LocationID, "replayed", len(backlog))

	connected, _ := json.Marshal(struct {
		Kind string `json:"event_type"`
		connectedMessage
	}{
		Kind:             "connected",
		connectedMessage: connectedMessage{LocationID: msg.LocationID, ServerTime: time.Now().UTC()},
	})
	s.send(connected)

	for _, evt := range backlog {
		if data, err := json.Marshal(evt); err == nil {
			s.send(data)
		}
	}

	go s.pump(listener)
}

func (s *wsSession) leave(locationID string) {
	s.mu.Lock()
	listener, ok := s.joined[locationID]
	if ok {
		delete(s.joined, locationID)
	}
	s.mu.Unlock()

	if ok {
		listener.Close()
		s.handler.logger.Info("channel left scope", "user_id", s.identity.UserID, "location_id", locationID)
	}
}

func (s *wsSession) emitEvent(ctx context.Context, msg clientMessage) {
	if !event.Known(msg.Kind) {
		s.reject(msg.LocationID, "unknown event type: "+msg.Kind)
		return
	}
	if !s.identity.Allowed(msg.LocationID) {
		s.reject(msg.LocationID, "location not permitted")
		return
	}
	if s.handler.emit == nil {
		s.reject(msg.LocationID, "emissions not accepted")
		return
	}
	if err := s.handler.emit(ctx, s.identity, msg.Kind, msg.LocationID, msg.Payload); err != nil {
		s.reject(msg.LocationID, err.Error())
	}
}

// pump forwards one listener's events into the connection's single writer.
// It exits when the listener is closed (leave or teardown).
func (s *wsSession) pump(listener *stream.Listener) {
	for evt := range listener.Events() {
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		s.send(data)
	}
}

func (s *wsSession) send(data []byte) {
	select {
	case s.out <- data:
	case <-s.done:
	}
}

func (s *wsSession) reject(locationID, reason string) {
	data, _ := json.Marshal(errorMessage{Kind: "error", LocationID: locationID, Error: reason})
	s.send(data)
}

// writeLoop is the only goroutine writing to the connection.
func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(s.handler.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.teardown()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.teardown()
				return
			}
		}
	}
}
