package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// maxBodyBytes caps request bodies; a full batch of URLs fits comfortably.
const maxBodyBytes = 4 << 20

type enqueueBatchRequest struct {
	SourceReferences []string       `json:"source_references"`
	Priorities       map[string]int `json:"priorities,omitempty"`
	DefaultPriority  *int           `json:"default_priority,omitempty"`
	MaxRetries       *int           `json:"max_retries,omitempty"`
	CreatedBy        string         `json:"created_by,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type enqueueBatchResponse struct {
	BatchID    string `json:"batch_id"`
	TotalItems int    `json:"total_items"`
}

type enqueueItemRequest struct {
	SourceReference string `json:"source_reference"`
	Priority        *int   `json:"priority,omitempty"`
	MaxRetries      *int   `json:"max_retries,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var body enqueueBatchRequest
	if !s.decode(w, r, &body) {
		return
	}

	req := queue.EnqueueRequest{
		SourceReferences: body.SourceReferences,
		Priorities:       body.Priorities,
		MaxRetries:       s.maxRetries(body.MaxRetries),
		DefaultPriority:  body.DefaultPriority,
		CreatedBy:        body.CreatedBy,
		Metadata:         body.Metadata,
	}

	batch, err := s.store.EnqueueBatch(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("batch enqueued", "batch_id", batch.ID, "total_items", batch.TotalItems, "created_by", batch.CreatedBy)
	s.bus.Publish(queue.Event{Type: queue.EventEnqueued, BatchID: batch.ID})
	writeJSON(w, http.StatusCreated, enqueueBatchResponse{BatchID: batch.ID, TotalItems: batch.TotalItems})
}

func (s *Server) handleEnqueueItem(w http.ResponseWriter, r *http.Request) {
	var body enqueueItemRequest
	if !s.decode(w, r, &body) {
		return
	}

	item, err := s.store.EnqueueItem(r.Context(), queue.ItemRequest{
		SourceReference: body.SourceReference,
		Priority:        body.Priority,
		MaxRetries:      s.maxRetries(body.MaxRetries),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("item enqueued", "item_id", item.ID, "source", item.SourceReference)
	s.bus.Publish(queue.Event{Type: queue.EventEnqueued, ItemID: item.ID, Source: item.SourceReference})
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.store.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.review.CancelBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter queue.ListFilter

	if v := q.Get("status"); v != "" {
		status := models.Status(v)
		if !status.Valid() {
			s.writeError(w, fmt.Errorf("%w: unknown status %q", queue.ErrInvalidRequest, v))
			return
		}
		filter.Status = &status
	}
	if v := q.Get("requires_review"); v != "" {
		flagged, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: requires_review must be a boolean", queue.ErrInvalidRequest))
			return
		}
		filter.RequiresHumanReview = &flagged
	}
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	filter.Limit = limit

	items, err := s.store.ListItems(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.review.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCancelItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.review.Abandon(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	items, err := s.review.Pending(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

// maxRetries falls back to the configured default only when the request
// leaves max_retries out; an explicit 0 is kept.
func (s *Server) maxRetries(requested *int) *int {
	if requested != nil || s.defaultMaxRetries == nil {
		return requested
	}
	n := *s.defaultMaxRetries
	return &n
}

func (s *Server) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		s.writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", queue.ErrInvalidRequest))
		return 0, false
	}
	return n, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", queue.ErrInvalidRequest, err))
		return false
	}
	return true
}

// statusFor maps store and request errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, queue.ErrEmptyBatch), errors.Is(err, queue.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request error", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
