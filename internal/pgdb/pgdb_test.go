// Package pgdb_test contains integration tests for the PostgreSQL queue store.
package pgdb_test

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/pgdb"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue/queuetest"
)

var testStore *pgdb.Store

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "queue",
				"POSTGRES_PASSWORD": "queue",
				"POSTGRES_DB":       "queue",
			},
			// postgres logs readiness once for the init server and once for the real one
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	url := fmt.Sprintf("postgres://queue:queue@%s:%s/queue?sslmode=disable", host, mappedPort.Port())
	testStore, err = pgdb.New(ctx, url, logger)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := testStore.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	testStore.Close()
	_ = container.Terminate(ctx)

	os.Exit(code)
}

func freshStore(t *testing.T) queue.Store {
	t.Helper()
	if testStore == nil {
		t.Skip("skipping integration test in short mode")
	}
	require.NoError(t, testStore.WipeData(context.Background()))
	return testStore
}

func TestQueueStore(t *testing.T) {
	queuetest.RunStoreSuite(t, freshStore)
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	freshStore(t)
	require.NoError(t, testStore.InitSchema(context.Background()))
}

func TestCancelItemCountsBatchFailure(t *testing.T) {
	store := freshStore(t)
	ctx := context.Background()

	batch, err := store.EnqueueBatch(ctx, queue.EnqueueRequest{
		SourceReferences: []string{"https://a.example", "https://b.example"},
	})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, 1, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.CancelItem(ctx, claimed[0].ID))
	require.ErrorIs(t, store.CancelItem(ctx, claimed[0].ID), queue.ErrInvalidState)

	applied, err := store.MarkCompleted(ctx, claimed[0].ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, models.StatusRunning, got.Status)
}

func TestUnknownIDsReturnNotFound(t *testing.T) {
	store := freshStore(t)
	ctx := context.Background()

	_, err := store.GetItem(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = store.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = store.MarkCompleted(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.ErrorIs(t, store.ManualRetry(ctx, "missing"), queue.ErrNotFound)
	assert.ErrorIs(t, store.CancelBatch(ctx, "missing"), queue.ErrNotFound)
}
