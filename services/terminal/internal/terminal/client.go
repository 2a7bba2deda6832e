package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/expoclub/expo/pkg/config"
	"github.com/expoclub/expo/pkg/event"
	"github.com/expoclub/expo/pkg/ticket"
)

// Client maintains the terminal's connection to the sync service: a
// WebSocket channel for live events and an HTTP path for submitting queued
// actions. It reconnects with bounded backoff and, on every reconnect,
// rejoins its locations asking for replay since the last event it saw, so a
// brief outage costs nothing and a long one degrades to a fresh board.
type Client struct {
	cfg       config.TerminalConfig
	queue     *Queue
	lateAfter time.Duration
	recalc    time.Duration
	logger    *slog.Logger
	http      *http.Client

	mu          sync.RWMutex
	conn        *websocket.Conn
	boards      map[string]*ticket.Board
	lastSeen    map[string]time.Time
	subscribers map[string]chan event.Event

	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(cfg config.TerminalConfig, queue *Queue, lateAfter, recalc time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if recalc <= 0 {
		recalc = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:         cfg,
		queue:       queue,
		lateAfter:   lateAfter,
		recalc:      recalc,
		logger:      logger,
		http:        &http.Client{Timeout: 10 * time.Second},
		boards:      make(map[string]*ticket.Board),
		lastSeen:    make(map[string]time.Time),
		subscribers: make(map[string]chan event.Event),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, loc := range cfg.Locations {
		c.boards[loc] = ticket.NewBoard(lateAfter, logger)
	}
	queue.SetSender(c.submitAction)
	queue.OnDrained(c.announceSynced)
	return c
}

// Start connects in the background and returns immediately; the terminal UI
// works off the local boards and queue whether or not the server is
// reachable yet.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("starting terminal client", "server", c.cfg.ServerURL, "terminal_id", c.cfg.TerminalID)
	go c.connectWithRetry()
	for _, b := range c.boards {
		go b.Run(c.ctx, c.recalc)
	}
	return nil
}

// connectWithRetry dials the channel with exponential backoff. After
// MaxRetries consecutive failures the queue is flagged errored for the UI,
// but dialing continues at the backoff ceiling; the terminal never gives up
// on its own.
func (c *Client) connectWithRetry() {
	backoff := c.cfg.Backoff.Initial.Std()
	maxBackoff := c.cfg.Backoff.Max.Std()
	if backoff <= 0 {
		backoff = time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	failures := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			failures++
			if c.cfg.Backoff.MaxRetries > 0 && failures == c.cfg.Backoff.MaxRetries {
				c.logger.Error("connection failing persistently", "failures", failures, "error", err)
				c.queue.MarkError()
			} else {
				c.logger.Error("failed to connect", "error", err, "retry_in", backoff)
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = c.cfg.Backoff.Initial.Std()
		if backoff <= 0 {
			backoff = time.Second
		}
		failures = 0

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("connected to sync channel")
		c.queue.SetConnected(true)
		c.joinAll(conn)

		// Blocks until the connection drops.
		c.readLoop(conn)

		c.queue.SetConnected(false)
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.logger.Info("disconnected from sync channel")
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	url := channelURL(c.cfg.ServerURL)
	header := http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	return conn, err
}

// joinAll rejoins every configured location, asking for replay since the
// last event observed there. Zero lastSeen means a fresh join with the full
// retained window.
func (c *Client) joinAll(conn *websocket.Conn) {
	for _, loc := range c.cfg.Locations {
		msg := map[string]any{"type": "join", "location_id": loc}
		c.mu.RLock()
		if seen := c.lastSeen[loc]; !seen.IsZero() {
			msg["since"] = seen
		}
		c.mu.RUnlock()

		if err := conn.WriteJSON(msg); err != nil {
			c.logger.Error("failed to join location", "location_id", loc, "error", err)
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error("channel read failed", "error", err)
			}
			return
		}

		var evt event.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("failed to decode channel message", "error", err)
			continue
		}

		switch evt.Kind {
		case "connected":
			c.logger.Info("joined location", "location_id", evt.LocationID)
		case "error":
			c.logger.Warn("channel error", "message", string(data))
		default:
			if !event.Known(evt.Kind) {
				continue
			}
			c.applyEvent(evt)
		}
	}
}

func (c *Client) applyEvent(evt event.Event) {
	c.mu.Lock()
	if evt.OccurredAt.After(c.lastSeen[evt.LocationID]) {
		c.lastSeen[evt.LocationID] = evt.OccurredAt
	}
	board := c.boards[evt.LocationID]
	c.mu.Unlock()

	if board != nil {
		board.Apply(evt)
	}
	c.broadcast(evt)
}

// Submit records a user action. Every action goes through the durable queue
// whether the terminal is online or not; online just means the queue drains
// immediately.
func (c *Client) Submit(ctx context.Context, locationID, kind string, payload json.RawMessage) error {
	if !event.Known(kind) {
		return fmt.Errorf("unknown event type: %s", kind)
	}
	return c.queue.Enqueue(ctx, locationID, kind, payload)
}

// submitAction posts one queued action to the server. The server's 200 is
// the acknowledgment the queue waits for.
func (c *Client) submitAction(ctx context.Context, action Action) error {
	body, err := json.Marshal(map[string]any{
		"event_type":  action.Kind,
		"payload":     action.Payload,
		"enqueued_at": action.EnqueuedAt,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/v1/locations/%s/actions", strings.TrimRight(c.cfg.ServerURL, "/"), action.LocationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("action rejected: %s: %s", resp.Status, msg)
	}
	return nil
}

// announceSynced reports a completed drain so other terminals see this one
// caught up.
func (c *Client) announceSynced(drained int) {
	payload, _ := json.Marshal(event.TerminalSyncedEvent{
		TerminalID: c.cfg.TerminalID,
		Replayed:   drained,
	})
	for _, loc := range c.cfg.Locations {
		action := Action{
			LocationID: loc,
			Kind:       event.EventTerminalSynced,
			Payload:    payload,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := c.submitAction(c.ctx, action); err != nil {
			c.logger.Error("failed to announce sync", "location_id", loc, "error", err)
		}
	}
}

// Board returns the local ticket board for a location, nil if the location
// is not configured.
func (c *Client) Board(locationID string) *ticket.Board {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.boards[locationID]
}

// Subscribe registers a local consumer of live events across all joined
// locations. Slow consumers lose events rather than stall the reader.
func (c *Client) Subscribe(subscriberID string) <-chan event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan event.Event, 100)
	c.subscribers[subscriberID] = ch
	return ch
}

func (c *Client) Unsubscribe(subscriberID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.subscribers[subscriberID]; ok {
		close(ch)
		delete(c.subscribers, subscriberID)
	}
}

func (c *Client) broadcast(evt event.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, ch := range c.subscribers {
		select {
		case ch <- evt:
		default:
			c.logger.Info("subscriber channel full, dropping event", "subscriber_id", id)
		}
	}
}

// Stop closes the connection and all subscriber channels.
func (c *Client) Stop(ctx context.Context) error {
	c.cancel()

	c.mu.Lock()
	for id, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, id)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// channelURL derives the WebSocket endpoint from the HTTP base URL.
func channelURL(serverURL string) string {
	url := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/api/v1/channel"
}
