package sync

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/akorchak/geosync/internal/domain"
	"github.com/akorchak/geosync/internal/pkg/httputil"
	"github.com/akorchak/geosync/internal/store"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: store.ErrNotFound, Status: http.StatusNotFound, Message: "queue item not found"},
	{Error: store.ErrClosed, Status: http.StatusServiceUnavailable, Message: "queue storage unavailable"},
}

// Handler exposes the producer API over HTTP for sidecar deployments.
type Handler struct {
	manager   *Manager
	validator *validator.Validate
}

// NewHandler creates a new queue handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{
		manager:   manager,
		validator: validator.New(),
	}
}

// RegisterRoutes registers producer routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Post("/", h.EnqueueItem)
		r.Get("/", h.GetQueue)
		r.Delete("/", h.ClearQueue)
		r.Post("/sync", h.SyncQueue)
		r.Get("/deadletters", h.ListDeadLetters)
	})
	r.Post("/pause", h.Pause)
	r.Post("/resume", h.Resume)
}

// EnqueueRequest represents the request body for enqueueing a payload.
type EnqueueRequest struct {
	Payload        map[string]any `json:"payload" validate:"required"`
	Type           string         `json:"type"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// SyncRequest represents the request body for a manual sync.
type SyncRequest struct {
	Limit int `json:"limit" validate:"gte=0"`
}

type queueItemResponse struct {
	ID             string         `json:"id"`
	Payload        map[string]any `json:"payload"`
	Type           string         `json:"type,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
	RetryCount     int            `json:"retryCount"`
	NextRetryAt    *time.Time     `json:"nextRetryAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type deadLetterResponse struct {
	Reason    string         `json:"reason"`
	Attempts  int            `json:"attempts"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// EnqueueItem handles POST /queue.
func (h *Handler) EnqueueItem(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	var opts []EnqueueOption
	if req.Type != "" {
		opts = append(opts, WithType(req.Type))
	}
	if req.IdempotencyKey != "" {
		opts = append(opts, WithIdempotencyKey(req.IdempotencyKey))
	}

	id, err := h.manager.Enqueue(r.Context(), domain.Payload(req.Payload), opts...)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, map[string]string{"id": id})
}

// GetQueue handles GET /queue.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	items, err := h.manager.GetQueue(r.Context(), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	out := make([]queueItemResponse, len(items))
	for i, item := range items {
		out[i] = toQueueItemResponse(item)
	}
	httputil.Success(w, http.StatusOK, out)
}

// ClearQueue handles DELETE /queue.
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ClearQueue(r.Context()); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncQueue handles POST /queue/sync.
func (h *Handler) SyncQueue(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := h.validator.Struct(req); err != nil {
			httputil.ValidationError(w, err)
			return
		}
	}

	dispatched, err := h.manager.SyncQueue(r.Context(), req.Limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int{"dispatched": dispatched})
}

// ListDeadLetters handles GET /queue/deadletters.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := h.manager.DeadLetters(r.Context(), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	out := make([]deadLetterResponse, len(entries))
	for i, entry := range entries {
		out[i] = deadLetterResponse{
			Reason:    entry.Reason,
			Attempts:  entry.Attempts,
			Payload:   map[string]any(entry.Payload),
			Timestamp: entry.Timestamp,
		}
	}
	httputil.Success(w, http.StatusOK, out)
}

// Pause handles POST /pause.
func (h *Handler) Pause(w http.ResponseWriter, _ *http.Request) {
	h.manager.Pause()
	w.WriteHeader(http.StatusNoContent)
}

// Resume handles POST /resume.
func (h *Handler) Resume(w http.ResponseWriter, _ *http.Request) {
	h.manager.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		httputil.Error(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return limit, true
}

func toQueueItemResponse(item domain.QueueItem) queueItemResponse {
	out := queueItemResponse{
		ID:             item.ID,
		Payload:        map[string]any(item.Payload),
		Type:           item.Type,
		IdempotencyKey: item.IdempotencyKey,
		RetryCount:     item.RetryCount,
		CreatedAt:      item.CreatedAt,
	}
	if !item.NextRetryAt.IsZero() {
		t := item.NextRetryAt
		out.NextRetryAt = &t
	}
	return out
}
