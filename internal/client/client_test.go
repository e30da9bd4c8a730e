package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/client"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue/queuetest"
	"github.com/raphaelgruber/knowhow-ingest/internal/server"
)

func setup(t *testing.T) (*client.Client, *queuetest.MemStore, *queue.Bus) {
	t.Helper()
	store := queuetest.NewMemStore()
	bus := queue.NewBus(64)
	h := server.New(store, server.Options{
		Bus:               bus,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		DefaultMaxRetries: models.Ptr(3),
	}).Handler()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return client.New(srv.URL), store, bus
}

func TestNewDefaults(t *testing.T) {
	t.Setenv("KNOWHOW_QUEUE_URL", "")
	t.Setenv("KNOWHOW_CLIENT_TIMEOUT", "")
	assert.NotNil(t, client.New(""))
}

func TestEnqueueAndInspect(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	high := 90
	res, err := c.EnqueueBatch(ctx, client.EnqueueInput{
		SourceReferences: []string{"https://a.example", "https://b.example", "https://a.example"},
		Priorities:       map[string]int{"https://b.example": high},
		CreatedBy:        "tester",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, 2, res.TotalItems)

	batch, err := c.GetBatch(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, batch.Status)
	assert.Equal(t, "tester", batch.CreatedBy)

	pending := models.StatusPending
	items, err := c.ListItems(ctx, client.ListItemsOptions{Status: &pending})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "https://b.example", items[0].SourceReference)
	assert.Equal(t, 3, items[0].MaxRetries)

	item, err := c.GetItem(ctx, items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", item.SourceReference)

	single, err := c.EnqueueItem(ctx, client.ItemInput{SourceReference: "https://c.example"})
	require.NoError(t, err)
	assert.Nil(t, single.BatchID)
	assert.Equal(t, models.StatusPending, single.Status)
}

func TestErrorSentinels(t *testing.T) {
	c, store, _ := setup(t)
	ctx := context.Background()

	_, err := c.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, client.ErrNotFound)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = c.EnqueueBatch(ctx, client.EnqueueInput{})
	assert.ErrorIs(t, err, client.ErrBadRequest)

	store.Put(models.QueueItem{
		ID:              "done",
		SourceReference: "https://done.example",
		Status:          models.StatusCompleted,
		Priority:        50,
		MaxRetries:      3,
		CreatedAt:       time.Now().UTC(),
	})
	_, err = c.RetryItem(ctx, "done")
	assert.ErrorIs(t, err, client.ErrInvalidState)
	_, err = c.CancelItem(ctx, "done")
	assert.ErrorIs(t, err, client.ErrInvalidState)
}

func TestReviewActions(t *testing.T) {
	c, store, _ := setup(t)
	ctx := context.Background()

	class := models.ErrorNetwork
	store.Put(models.QueueItem{
		ID:                  "stuck",
		SourceReference:     "https://stuck.example",
		Status:              models.StatusFailed,
		Priority:            50,
		RetryCount:          3,
		MaxRetries:          3,
		RequiresHumanReview: true,
		ErrorClassification: &class,
		CreatedAt:           time.Now().UTC(),
	})

	review, err := c.ListReview(ctx, 10)
	require.NoError(t, err)
	require.Len(t, review, 1)
	assert.Equal(t, "stuck", review[0].ID)

	item, err := c.RetryItem(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.False(t, item.RequiresHumanReview)

	item, err = c.CancelItem(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, item.Status)

	flagged := true
	items, err := c.ListItems(ctx, client.ListItemsOptions{RequiresReview: &flagged})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCancelBatch(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	res, err := c.EnqueueBatch(ctx, client.EnqueueInput{
		SourceReferences: []string{"https://a.example", "https://b.example"},
	})
	require.NoError(t, err)

	batch, err := c.CancelBatch(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, batch.Status)

	_, err = c.CancelBatch(ctx, res.BatchID)
	assert.ErrorIs(t, err, client.ErrInvalidState)
}

func TestGetStats(t *testing.T) {
	c, _, _ := setup(t)

	stats, err := c.GetStats(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.UptimeSeconds, 0.0)
	assert.Zero(t, stats.InFlight)
}

func TestStreamEvents(t *testing.T) {
	c, _, bus := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The subscription starts after the handshake, so keep publishing until
	// the client has seen a matching event.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish(queue.Event{Type: queue.EventClaimed, ItemID: "other", BatchID: "b2"})
				bus.Publish(queue.Event{Type: queue.EventCompleted, ItemID: "i1", BatchID: "b1"})
			}
		}
	}()

	errSeen := errors.New("seen")
	var got queue.Event
	err := c.StreamEvents(ctx, "b1", func(e queue.Event) error {
		got = e
		return errSeen
	})
	require.ErrorIs(t, err, errSeen)
	assert.Equal(t, queue.EventCompleted, got.Type)
	assert.Equal(t, "i1", got.ItemID)
}

func TestStreamEventsEndsWithContext(t *testing.T) {
	c, _, _ := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.StreamEvents(ctx, "", func(queue.Event) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
