package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue/queuetest"
	"github.com/raphaelgruber/knowhow-ingest/internal/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store *queuetest.MemStore
	bus   *queue.Bus
	srv   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := queuetest.NewMemStore()
	bus := queue.NewBus(64)
	h := server.New(store, server.Options{
		Bus:               bus,
		Logger:            testLogger(),
		DefaultMaxRetries: models.Ptr(3),
	}).Handler()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{store: store, bus: bus, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (f *fixture) escalated(id string, createdAt time.Time) {
	f.store.Put(models.QueueItem{
		ID:                  id,
		SourceReference:     "https://" + id + ".example",
		Status:              models.StatusFailed,
		Priority:            50,
		RetryCount:          3,
		MaxRetries:          3,
		RequiresHumanReview: true,
		ErrorClassification: models.Ptr(models.ErrorNetwork),
		CreatedAt:           createdAt,
		CompletedAt:         models.Ptr(createdAt.Add(time.Hour)),
	})
}

func TestEnqueueAndGetBatch(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodPost, "/queue/batches", map[string]any{
		"source_references": []string{"https://a.example", "https://b.example", "https://a.example"},
		"priorities":        map[string]int{"https://b.example": 90},
		"created_by":        "alice",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	created := decode[map[string]any](t, data)
	batchID, _ := created["batch_id"].(string)
	require.NotEmpty(t, batchID)
	assert.EqualValues(t, 2, created["total_items"])

	resp, data = f.do(t, http.MethodGet, "/queue/batches/"+batchID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batch := decode[models.Batch](t, data)
	assert.Equal(t, models.StatusPending, batch.Status)
	assert.Equal(t, 2, batch.TotalItems)
	assert.Equal(t, "alice", batch.CreatedBy)

	resp, data = f.do(t, http.MethodGet, "/queue/items", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := decode[[]models.QueueItem](t, data)
	require.Len(t, items, 2)
	assert.Equal(t, "https://b.example", items[0].SourceReference)
	assert.Equal(t, 3, items[0].MaxRetries)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body any
	}{
		{"empty references", map[string]any{"source_references": []string{}}},
		{"blank references", map[string]any{"source_references": []string{"  "}}},
		{"priority out of range", map[string]any{
			"source_references": []string{"x"},
			"priorities":        map[string]int{"x": 200},
		}},
		{"unknown field", map[string]any{"source_references": []string{"x"}, "urgent": true}},
		{"negative retries", map[string]any{"source_references": []string{"x"}, "max_retries": -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := f.do(t, http.MethodPost, "/queue/batches", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decode[map[string]string](t, data)["error"])
		})
	}
}

func TestEnqueueStandaloneItem(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodPost, "/queue/items", map[string]any{
		"source_reference": "https://solo.example",
		"priority":         70,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	item := decode[models.QueueItem](t, data)
	assert.Nil(t, item.BatchID)
	assert.Equal(t, 70, item.Priority)

	resp, data = f.do(t, http.MethodGet, "/queue/items/"+item.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, item.ID, decode[models.QueueItem](t, data).ID)
}

func TestEnqueueKeepsExplicitZero(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodPost, "/queue/batches", map[string]any{
		"source_references": []string{"https://a.example"},
		"max_retries":       0,
		"default_priority":  0,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	resp, data = f.do(t, http.MethodPost, "/queue/items", map[string]any{
		"source_reference": "https://b.example",
		"max_retries":      0,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	assert.Equal(t, 0, decode[models.QueueItem](t, data).MaxRetries)

	resp, data = f.do(t, http.MethodGet, "/queue/items", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := decode[[]models.QueueItem](t, data)
	require.Len(t, items, 2)
	byRef := map[string]models.QueueItem{}
	for _, it := range items {
		byRef[it.SourceReference] = it
	}
	assert.Equal(t, 0, byRef["https://a.example"].MaxRetries)
	assert.Equal(t, 0, byRef["https://a.example"].Priority)
	assert.Equal(t, 0, byRef["https://b.example"].MaxRetries)
	assert.Equal(t, models.DefaultPriority, byRef["https://b.example"].Priority)

	// Omitted fields still take the configured default.
	resp, data = f.do(t, http.MethodPost, "/queue/items", map[string]any{
		"source_reference": "https://c.example",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	assert.Equal(t, 3, decode[models.QueueItem](t, data).MaxRetries)

	resp, data = f.do(t, http.MethodPost, "/queue/items", map[string]any{
		"source_reference": "https://d.example",
		"max_retries":      -1,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/queue/batches/nope", "/queue/items/nope"} {
		resp, _ := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	for _, path := range []string{"/queue/items/nope/retry", "/queue/items/nope/cancel", "/queue/batches/nope/cancel"} {
		resp, _ := f.do(t, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestListItemsFilters(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.escalated("stuck", base)
	f.store.Put(models.QueueItem{ID: "fresh", SourceReference: "https://fresh.example",
		Status: models.StatusPending, Priority: 50, MaxRetries: 3, CreatedAt: base})

	resp, data := f.do(t, http.MethodGet, "/queue/items?requires_review=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := decode[[]models.QueueItem](t, data)
	require.Len(t, items, 1)
	assert.Equal(t, "stuck", items[0].ID)

	resp, data = f.do(t, http.MethodGet, "/queue/items?status=pending&limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items = decode[[]models.QueueItem](t, data)
	require.Len(t, items, 1)
	assert.Equal(t, "fresh", items[0].ID)

	for _, q := range []string{"status=bogus", "requires_review=maybe", "limit=-1", "limit=x"} {
		resp, _ = f.do(t, http.MethodGet, "/queue/items?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestReviewRetryAndCancel(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.escalated("newer", base.Add(time.Hour))
	f.escalated("older", base)

	resp, data := f.do(t, http.MethodGet, "/queue/review", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decode[[]models.QueueItem](t, data)
	require.Len(t, pending, 2)
	assert.Equal(t, "older", pending[0].ID)
	assert.Equal(t, "newer", pending[1].ID)

	resp, data = f.do(t, http.MethodPost, "/queue/items/older/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	retried := decode[models.QueueItem](t, data)
	assert.Equal(t, models.StatusPending, retried.Status)
	assert.Equal(t, 0, retried.RetryCount)
	assert.False(t, retried.RequiresHumanReview)

	// pending items cannot be retried again
	resp, _ = f.do(t, http.MethodPost, "/queue/items/older/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, data = f.do(t, http.MethodPost, "/queue/items/newer/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StatusCancelled, decode[models.QueueItem](t, data).Status)

	resp, _ = f.do(t, http.MethodPost, "/queue/items/newer/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelBatch(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodPost, "/queue/batches", map[string]any{
		"source_references": []string{"a", "b"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	batchID := decode[map[string]any](t, data)["batch_id"].(string)

	resp, data = f.do(t, http.MethodPost, "/queue/batches/"+batchID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	batch := decode[models.Batch](t, data)
	assert.Equal(t, models.StatusCancelled, batch.Status)
	assert.Equal(t, 2, batch.FailedCount)

	resp, _ = f.do(t, http.MethodPost, "/queue/batches/"+batchID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/queue/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade; publish until it lands.
	var got queue.Event
	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	received := make(chan error, 1)
	go func() { received <- conn.ReadJSON(&got) }()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-received:
			require.NoError(t, err)
			assert.Equal(t, queue.EventEnqueued, got.Type)
			assert.Equal(t, "b1", got.BatchID)
			return
		case <-ticker.C:
			f.bus.Publish(queue.Event{Type: queue.EventEnqueued, BatchID: "b1"})
		}
	}
}

func TestHealthStatsAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(data))

	resp, data = f.do(t, http.MethodGet, "/queue/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "uptime_seconds")

	resp, data = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "knowhow_queue_jobs_in_flight")
}
