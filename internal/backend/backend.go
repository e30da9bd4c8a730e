// Package backend opens the configured queue store.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/knowhow-ingest/internal/config"
	"github.com/raphaelgruber/knowhow-ingest/internal/db"
	"github.com/raphaelgruber/knowhow-ingest/internal/pgdb"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// Store is a queue.Store with a lifecycle.
type Store interface {
	queue.Store
	InitSchema(ctx context.Context) error
	WipeData(ctx context.Context) error
}

// Handle couples an open store with its close function.
type Handle struct {
	Store
	close func(ctx context.Context) error
}

// Close releases the underlying connection.
func (h *Handle) Close(ctx context.Context) error {
	return h.close(ctx)
}

// Open connects to the backend selected by cfg.Backend and initializes its schema.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Handle, error) {
	var h *Handle

	switch cfg.Backend {
	case config.BackendSurrealDB:
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to surrealdb: %w", err)
		}
		h = &Handle{Store: client, close: client.Close}

	case config.BackendPostgres:
		store, err := pgdb.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		h = &Handle{Store: store, close: func(context.Context) error {
			store.Close()
			return nil
		}}

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if err := h.InitSchema(ctx); err != nil {
		_ = h.Close(ctx)
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return h, nil
}
