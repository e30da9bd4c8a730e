// Package db implements the queue store on SurrealDB over an auto-reconnecting
// WebSocket connection.
package db

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

// Auth levels accepted in Config.AuthLevel.
const (
	AuthRoot     = "root"
	AuthDatabase = "database"
)

// DefaultReconnectAttempts bounds how often a dropped connection is redialed
// before queue calls start failing.
const DefaultReconnectAttempts = 10

// queueTables must exist once the schema is applied.
var queueTables = []string{"queue_batch", "queue_item"}

// ErrSchemaMissing is returned when the queue tables are absent after schema setup.
var ErrSchemaMissing = errors.New("queue schema missing")

func init() {
	// WebSocket upgrade fails if ALPN negotiates HTTP/2 on wss:// URLs.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Config holds SurrealDB connection configuration.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // AuthRoot or AuthDatabase
	// ReconnectAttempts defaults to DefaultReconnectAttempts when zero.
	ReconnectAttempts int
}

// Client is the SurrealDB queue store.
type Client struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	logger logger.Logger
	now    func() time.Time
}

// Backlog counts the open work in the queue.
type Backlog struct {
	Pending        int
	Running        int
	AwaitingReview int
}

// NewClient dials SurrealDB, signs in and selects the queue namespace.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	sdkLogger := logger.New(log.Handler())

	conn := dial(cfg, sdkLogger)
	sdkLogger.Info("connecting to queue database", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("from connection: %w", err)
	}

	if err := signIn(ctx, db, cfg); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("signin as %s (%s): %w", cfg.Username, authLevel(cfg), err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}

	sdkLogger.Info("queue database connected", "namespace", cfg.Namespace, "database", cfg.Database)
	return &Client{conn: conn, db: db, logger: sdkLogger, now: func() time.Time { return time.Now().UTC() }}, nil
}

// dial builds the reconnecting connection. gorillaws appends /rpc itself.
func dial(cfg Config, log logger.Logger) *rews.Connection[*gorillaws.Connection] {
	codec := surrealcbor.New()
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      log,
			}), nil
		},
		5*time.Second,
		codec,
		log,
	)

	attempts := cfg.ReconnectAttempts
	if attempts <= 0 {
		attempts = DefaultReconnectAttempts
	}
	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = 1 * time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = attempts
	conn.Retryer = retryer
	return conn
}

func authLevel(cfg Config) string {
	if cfg.AuthLevel == AuthDatabase {
		return AuthDatabase
	}
	return AuthRoot
}

func signIn(ctx context.Context, db *surrealdb.DB, cfg Config) error {
	auth := surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}
	if authLevel(cfg) == AuthDatabase {
		auth.Namespace = cfg.Namespace
		auth.Database = cfg.Database
	}
	_, err := db.SignIn(ctx, auth)
	return err
}

// Close closes the SurrealDB connection.
func (c *Client) Close(ctx context.Context) error {
	c.logger.Info("closing queue database connection")
	return c.conn.Close(ctx)
}

// InitSchema applies the queue schema, verifies both tables exist and logs
// the backlog left over from a previous run.
func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, SchemaSQL, nil); err != nil {
		return fmt.Errorf("init schema: %w", wrapQueryError(err))
	}
	if err := c.checkTables(ctx); err != nil {
		return err
	}

	backlog, err := c.Backlog(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("queue schema ready",
		"pending", backlog.Pending,
		"running", backlog.Running,
		"awaiting_review", backlog.AwaitingReview)
	return nil
}

// checkTables reads the database info and fails if a queue table is missing.
func (c *Client) checkTables(ctx context.Context) error {
	results, err := surrealdb.Query[map[string]any](ctx, c.db, "INFO FOR DB", nil)
	if err != nil {
		return fmt.Errorf("info for db: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return fmt.Errorf("%w: empty database info", ErrSchemaMissing)
	}

	info := (*results)[0].Result
	tables, _ := info["tables"].(map[string]any)
	if tables == nil {
		// Servers before 2.0 report tables under "tb".
		tables, _ = info["tb"].(map[string]any)
	}
	for _, name := range queueTables {
		if _, ok := tables[name]; !ok {
			return fmt.Errorf("%w: table %s", ErrSchemaMissing, name)
		}
	}
	return nil
}

// Backlog counts pending, running and escalated items.
func (c *Client) Backlog(ctx context.Context) (Backlog, error) {
	type groupRow struct {
		Status string `json:"status"`
		Review bool   `json:"requires_human_review"`
		Count  int    `json:"count"`
	}
	results, err := surrealdb.Query[[]groupRow](ctx, c.db, `
		SELECT status, requires_human_review, count() AS count FROM queue_item
		WHERE status INSIDE ["pending", "running"] OR requires_human_review = true
		GROUP BY status, requires_human_review
	`, nil)
	if err != nil {
		return Backlog{}, fmt.Errorf("backlog: %w", wrapQueryError(err))
	}

	var b Backlog
	if results == nil || len(*results) == 0 {
		return b, nil
	}
	for _, row := range (*results)[0].Result {
		switch {
		case row.Review:
			b.AwaitingReview += row.Count
		case row.Status == "pending":
			b.Pending += row.Count
		case row.Status == "running":
			b.Running += row.Count
		}
	}
	return b, nil
}

// Query executes a SurrealQL query with parameters.
func (c *Client) Query(ctx context.Context, sql string, vars map[string]any) (*[]surrealdb.QueryResult[any], error) {
	return surrealdb.Query[any](ctx, c.db, sql, vars)
}

// WipeData deletes all queue rows while preserving schema.
// Use for testing only.
func (c *Client) WipeData(ctx context.Context) error {
	c.logger.Warn("wiping all queue data from database")

	for _, table := range queueTables {
		if _, err := surrealdb.Query[any](ctx, c.db, "DELETE "+table, nil); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}
