package terminal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler is the terminal's local API, consumed by the UI on the same
// device. It never blocks on the network: reads come from the local boards
// and writes go through the durable queue.
type Handler struct {
	client *Client
	queue  *Queue
	logger *slog.Logger
}

func NewHandler(client *Client, queue *Queue, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{client: client, queue: queue, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.Status)
	r.Get("/locations/{locationID}/tickets", h.Tickets)
	r.Post("/locations/{locationID}/actions", h.SubmitAction)
	return r
}

type statusResponse struct {
	State      string     `json:"state"`
	Pending    int        `json:"pending"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	pending, err := h.queue.Pending(r.Context())
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := statusResponse{State: h.queue.State(), Pending: pending}
	if at := h.queue.LastSyncAt(); !at.IsZero() {
		resp.LastSyncAt = &at
	}
	h.jsonOK(w, resp)
}

func (h *Handler) Tickets(w http.ResponseWriter, r *http.Request) {
	board := h.client.Board(chi.URLParam(r, "locationID"))
	if board == nil {
		h.jsonError(w, "unknown location", http.StatusNotFound)
		return
	}

	if st := r.URL.Query().Get("station"); st != "" {
		h.jsonOK(w, board.ByStation(st))
		return
	}
	h.jsonOK(w, board.Tickets())
}

type actionRequest struct {
	Kind    string          `json:"event_type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubmitAction accepts one user action. The 202 means the action is durably
// queued, not that the server has seen it; /status reports how far behind
// the queue is.
func (h *Handler) SubmitAction(w http.ResponseWriter, r *http.Request) {
	locationID := chi.URLParam(r, "locationID")

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.client.Submit(r.Context(), locationID, req.Kind, req.Payload); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func (h *Handler) jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
