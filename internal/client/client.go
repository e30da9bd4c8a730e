// Package client provides a REST client for the knowhow queue server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// Errors mirrored from the server's status codes.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrBadRequest   = errors.New("bad request")
)

// Client is a REST client for the queue server.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a new client.
// If endpoint is empty, uses KNOWHOW_QUEUE_URL env var or defaults to localhost:8484.
// Timeout can be configured via KNOWHOW_CLIENT_TIMEOUT env var (default 30s).
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("KNOWHOW_QUEUE_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8484"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("KNOWHOW_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.Status, e.Message)
}

// Unwrap maps the status onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrInvalidState
	case http.StatusBadRequest:
		return ErrBadRequest
	}
	return nil
}

// do sends a JSON request and decodes the JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// SUBMISSION
// =============================================================================

// EnqueueInput is the input for submitting a batch.
type EnqueueInput struct {
	SourceReferences []string       `json:"source_references"`
	Priorities       map[string]int `json:"priorities,omitempty"`
	DefaultPriority  *int           `json:"default_priority,omitempty"`
	MaxRetries       *int           `json:"max_retries,omitempty"`
	CreatedBy        string         `json:"created_by,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// EnqueueResult identifies the created batch.
type EnqueueResult struct {
	BatchID    string `json:"batch_id"`
	TotalItems int    `json:"total_items"`
}

// EnqueueBatch submits source references as one batch.
func (c *Client) EnqueueBatch(ctx context.Context, input EnqueueInput) (*EnqueueResult, error) {
	var result EnqueueResult
	if err := c.do(ctx, http.MethodPost, "/queue/batches", input, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ItemInput is the input for a standalone item.
type ItemInput struct {
	SourceReference string `json:"source_reference"`
	Priority        *int   `json:"priority,omitempty"`
	MaxRetries      *int   `json:"max_retries,omitempty"`
}

// EnqueueItem submits one item outside any batch.
func (c *Client) EnqueueItem(ctx context.Context, input ItemInput) (*models.QueueItem, error) {
	var item models.QueueItem
	if err := c.do(ctx, http.MethodPost, "/queue/items", input, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// =============================================================================
// INSPECTION
// =============================================================================

// GetBatch returns a batch with its roll-up counters.
func (c *Client) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	var batch models.Batch
	if err := c.do(ctx, http.MethodGet, "/queue/batches/"+url.PathEscape(id), nil, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// GetItem returns a single item.
func (c *Client) GetItem(ctx context.Context, id string) (*models.QueueItem, error) {
	var item models.QueueItem
	if err := c.do(ctx, http.MethodGet, "/queue/items/"+url.PathEscape(id), nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListItemsOptions configures item listing.
type ListItemsOptions struct {
	Status         *models.Status
	RequiresReview *bool
	Limit          int
}

// ListItems returns items in dispatch order.
func (c *Client) ListItems(ctx context.Context, opts ListItemsOptions) ([]models.QueueItem, error) {
	q := url.Values{}
	if opts.Status != nil {
		q.Set("status", string(*opts.Status))
	}
	if opts.RequiresReview != nil {
		q.Set("requires_review", strconv.FormatBool(*opts.RequiresReview))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	path := "/queue/items"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var items []models.QueueItem
	if err := c.do(ctx, http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ListReview returns items awaiting human review, oldest first.
func (c *Client) ListReview(ctx context.Context, limit int) ([]models.QueueItem, error) {
	path := "/queue/review"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var items []models.QueueItem
	if err := c.do(ctx, http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// =============================================================================
// REVIEW ACTIONS
// =============================================================================

// RetryItem resets a failed item to pending with a fresh retry budget.
func (c *Client) RetryItem(ctx context.Context, id string) (*models.QueueItem, error) {
	var item models.QueueItem
	if err := c.do(ctx, http.MethodPost, "/queue/items/"+url.PathEscape(id)+"/retry", nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// CancelItem cancels an item.
func (c *Client) CancelItem(ctx context.Context, id string) (*models.QueueItem, error) {
	var item models.QueueItem
	if err := c.do(ctx, http.MethodPost, "/queue/items/"+url.PathEscape(id)+"/cancel", nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// CancelBatch cancels a batch and its unfinished members.
func (c *Client) CancelBatch(ctx context.Context, id string) (*models.Batch, error) {
	var batch models.Batch
	if err := c.do(ctx, http.MethodPost, "/queue/batches/"+url.PathEscape(id)+"/cancel", nil, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// =============================================================================
// STATS
// =============================================================================

// OperationStats holds timing for a single scheduler operation.
type OperationStats struct {
	Count       int64   `json:"count"`
	Errors      int64   `json:"errors"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Stats holds in-memory scheduler statistics (resets on server restart).
type Stats struct {
	UptimeSeconds float64          `json:"uptime_seconds"`
	Claim         *OperationStats  `json:"claim,omitempty"`
	Execute       *OperationStats  `json:"execute,omitempty"`
	StoreWrite    *OperationStats  `json:"store_write,omitempty"`
	Outcomes      map[string]int64 `json:"outcomes"`
	InFlight      int64            `json:"in_flight"`
}

// GetStats returns the scheduler's runtime statistics.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/queue/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// =============================================================================
// EVENT STREAM
// =============================================================================

// StreamEvents connects to the event stream and invokes onEvent for each
// event until ctx is done or onEvent returns an error. A non-empty batchID
// narrows the stream to that batch.
func (c *Client) StreamEvents(ctx context.Context, batchID string, onEvent func(queue.Event) error) error {
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/queue/events")
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if batchID != "" {
		u.RawQuery = url.Values{"batch_id": {batchID}}.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var e queue.Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := onEvent(e); err != nil {
			return err
		}
	}
}
