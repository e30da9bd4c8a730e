// Package db_test contains integration tests for the SurrealDB queue store.
package db_test

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

	"github.com/raphaelgruber/knowhow-ingest/internal/db"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue/queuetest"
	"github.com/raphaelgruber/knowhow-ingest/internal/retry"
)

var testDB *db.Client

// TestMain sets up and tears down the SurrealDB container for all tests.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := container.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = db.NewClient(ctx, db.Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = container.Terminate(ctx)

	os.Exit(code)
}

func freshStore(t *testing.T) queue.Store {
	t.Helper()
	if testDB == nil {
		t.Skip("skipping integration test in short mode")
	}
	require.NoError(t, testDB.WipeData(context.Background()))
	return testDB
}

func TestQueueStore(t *testing.T) {
	queuetest.RunStoreSuite(t, freshStore)
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	freshStore(t)
	require.NoError(t, testDB.InitSchema(context.Background()))
}

func TestBacklog(t *testing.T) {
	store := freshStore(t)
	ctx := context.Background()

	_, err := store.EnqueueBatch(ctx, queue.EnqueueRequest{
		SourceReferences: []string{"https://a.example", "https://b.example", "https://c.example"},
		MaxRetries:       models.Ptr(0),
	})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx, 2, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	_, err = store.MarkFailed(ctx, claimed[0].ID, models.Failure{Class: models.ErrorOther, Escalate: true, At: time.Now().UTC()})
	require.NoError(t, err)

	backlog, err := testDB.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, db.Backlog{Pending: 1, Running: 1, AwaitingReview: 1}, backlog)
}

func TestInitSchemaRecreatesDroppedTable(t *testing.T) {
	freshStore(t)
	ctx := context.Background()

	_, err := testDB.Query(ctx, "REMOVE TABLE queue_batch", nil)
	require.NoError(t, err)
	require.NoError(t, testDB.InitSchema(ctx))

	_, err = testDB.Query(ctx, "SELECT * FROM queue_batch", nil)
	assert.NoError(t, err)
}

func TestSchemaRejectsOutOfRangePriority(t *testing.T) {
	freshStore(t)
	ctx := context.Background()

	_, err := testDB.Query(ctx, `
		CREATE queue_item CONTENT {
			source_reference: "x",
			status: "pending",
			priority: 500,
			created_at: time::now()
		}
	`, nil)
	assert.Error(t, err)
}

func TestSchedulerAgainstSurrealDB(t *testing.T) {
	store := freshStore(t)
	ctx := context.Background()

	batch, err := store.EnqueueBatch(ctx, queue.EnqueueRequest{
		SourceReferences: []string{"https://one.example", "https://two.example"},
	})
	require.NoError(t, err)

	exec := queue.ExecutorFunc(func(context.Context, string) (*queue.Result, error) {
		return &queue.Result{}, nil
	})
	sched := queue.NewScheduler(store, exec, retry.Default(), queue.Options{MaxConcurrent: 4})

	n, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	sched.Wait()

	got, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedCount)
}
