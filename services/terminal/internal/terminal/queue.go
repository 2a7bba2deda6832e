package terminal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Connection state as the terminal reports it to its UI.
const (
	StateOnline  = "online"
	StateOffline = "offline"
	StateSyncing = "syncing"
	StateError   = "error"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS actions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	location_id TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	payload     BLOB,
	enqueued_at TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0
);
`

// Action is one user mutation captured while the terminal could not reach
// the server.
type Action struct {
	ID         int64           `json:"id"`
	LocationID string          `json:"location_id"`
	Kind       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

// SendFunc submits one action to the server. A nil return is the server's
// acknowledgment; only then is the action removed from the queue.
type SendFunc func(ctx context.Context, action Action) error

// Queue is the durable offline action queue. Actions are drained strictly in
// enqueue order by a single drain at a time; the first failed submission
// halts the drain with the failed action still at the head, so a retry
// resumes exactly where it stopped and order is never reshuffled around a
// failure.
type Queue struct {
	db         *sql.DB
	logger     *slog.Logger
	send       SendFunc
	maxRetries int

	// Background drains run on the queue's own lifetime, never on the
	// caller's request context; a returned HTTP handler must not abort an
	// in-flight submission.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      string
	draining   bool
	lastSyncAt time.Time
	onDrained  func(drained int)
}

// OpenQueue opens (or creates) the queue database at path.
func OpenQueue(path string, maxRetries int, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(queueSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		db:         db,
		logger:     logger,
		maxRetries: maxRetries,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateOffline,
	}, nil
}

// SetSender installs the submission function used by Drain.
func (q *Queue) SetSender(send SendFunc) {
	q.mu.Lock()
	q.send = send
	q.mu.Unlock()
}

// OnDrained registers a callback invoked after a drain that submitted at
// least one action, with the number of actions submitted.
func (q *Queue) OnDrained(fn func(drained int)) {
	q.mu.Lock()
	q.onDrained = fn
	q.mu.Unlock()
}

// MarkError puts the queue in the error state so the UI surfaces a
// persistent failure. Queued actions are unaffected.
func (q *Queue) MarkError() {
	q.mu.Lock()
	q.state = StateError
	q.mu.Unlock()
}

// SetConnected records a connectivity change. Going online with a non-empty
// queue starts a drain; going offline mid-drain makes the drain stop after
// the in-flight action.
func (q *Queue) SetConnected(connected bool) {
	q.mu.Lock()
	if connected {
		if q.state == StateOffline || q.state == StateError {
			q.state = StateOnline
		}
	} else {
		q.state = StateOffline
	}
	q.mu.Unlock()

	if connected {
		go q.Drain(q.ctx)
	}
}

// State returns the terminal's current connection state.
func (q *Queue) State() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// LastSyncAt returns when the last action was acknowledged by the server.
func (q *Queue) LastSyncAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSyncAt
}

// Enqueue appends an action. The write is durable before Enqueue returns, so
// a terminal crash never loses an accepted action. When the terminal is
// online the queue drains immediately afterwards.
func (q *Queue) Enqueue(ctx context.Context, locationID, kind string, payload json.RawMessage) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO actions (location_id, event_type, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		locationID, kind, []byte(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue action: %w", err)
	}

	q.mu.Lock()
	online := q.state == StateOnline
	q.mu.Unlock()
	if online {
		go q.Drain(q.ctx)
	}
	return nil
}

// Pending returns the number of queued actions.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions`).Scan(&n)
	return n, err
}

// Drain submits queued actions oldest-first until the queue is empty, the
// connection drops, or a submission fails. Concurrent calls collapse into
// the one already running.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.draining || q.send == nil {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.state = StateSyncing
	send := q.send
	q.mu.Unlock()

	var drainErr error
	drained := 0
	for {
		q.mu.Lock()
		stopped := q.state == StateOffline
		q.mu.Unlock()
		if stopped || ctx.Err() != nil {
			break
		}

		action, ok, err := q.head(ctx)
		if err != nil {
			drainErr = err
			break
		}
		if !ok {
			break
		}

		if err := send(ctx, action); err != nil {
			drainErr = q.submissionFailed(ctx, action, err)
			break
		}

		if _, err := q.db.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, action.ID); err != nil {
			drainErr = err
			break
		}
		drained++
		q.mu.Lock()
		q.lastSyncAt = time.Now().UTC()
		q.mu.Unlock()
	}

	q.mu.Lock()
	q.draining = false
	// A disconnect mid-drain already moved the state. Otherwise a clean
	// drain means online and any failure is surfaced as error until a
	// later drain clears it. The queued actions are untouched either way.
	if q.state == StateSyncing {
		if drainErr == nil {
			q.state = StateOnline
		} else {
			q.state = StateError
		}
	}
	onDrained := q.onDrained
	q.mu.Unlock()

	if drained > 0 {
		q.logger.Info("queue drained", "actions", drained)
		if onDrained != nil {
			onDrained(drained)
		}
	}
	return drainErr
}

func (q *Queue) head(ctx context.Context) (Action, bool, error) {
	var (
		action     Action
		payload    []byte
		enqueuedAt string
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT id, location_id, event_type, payload, enqueued_at, attempts
		 FROM actions ORDER BY id LIMIT 1`).
		Scan(&action.ID, &action.LocationID, &action.Kind, &payload, &enqueuedAt, &action.Attempts)
	if err == sql.ErrNoRows {
		return Action{}, false, nil
	}
	if err != nil {
		return Action{}, false, err
	}
	action.Payload = payload
	action.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	return action, true, nil
}

// submissionFailed records a failed attempt on the head action. The action
// stays queued whatever the attempt count; past maxRetries the log flags it
// as stuck so an operator can tell a transient rejection from a poisoned
// action.
func (q *Queue) submissionFailed(ctx context.Context, action Action, cause error) error {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE actions SET attempts = attempts + 1 WHERE id = ?`, action.ID); err != nil {
		q.logger.Error("failed to record attempt", "action_id", action.ID, "error", err)
	}

	msg := "action submission failed"
	if q.maxRetries > 0 && action.Attempts+1 >= q.maxRetries {
		msg = "action stuck after repeated rejections"
	}
	q.logger.Error(msg,
		"action_id", action.ID, "event_type", action.Kind,
		"attempts", action.Attempts+1, "error", cause)
	return cause
}

func (q *Queue) Close() error {
	q.cancel()
	return q.db.Close()
}
