// Package server exposes the queue over HTTP: the REST surface for
// submission, inspection and review, the event stream, and metrics.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/knowhow-ingest/internal/metrics"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// Options configures optional server dependencies.
type Options struct {
	Bus       *queue.Bus
	Collector *metrics.Collector
	Logger    *slog.Logger
	// DefaultMaxRetries applies to submissions that omit max_retries. Nil
	// leaves the store's built-in default.
	DefaultMaxRetries *int
	// KeepAlive is the ping interval on the event stream.
	KeepAlive time.Duration
}

// Server holds the handler dependencies.
type Server struct {
	store             queue.Store
	review            *queue.Review
	bus               *queue.Bus
	collector         *metrics.Collector
	logger            *slog.Logger
	defaultMaxRetries *int
	keepAlive         time.Duration
	upgrader          websocket.Upgrader
}

// New creates a server over store.
func New(store queue.Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := opts.Collector
	if collector == nil {
		collector = metrics.NewCollector()
	}
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 10 * time.Second
	}
	return &Server{
		store:             store,
		review:            queue.NewReview(store, opts.Bus, logger),
		bus:               opts.Bus,
		collector:         collector,
		logger:            logger,
		defaultMaxRetries: opts.DefaultMaxRetries,
		keepAlive:         keepAlive,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the routed, logged HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /queue/batches", s.handleEnqueueBatch)
	mux.HandleFunc("GET /queue/batches/{id}", s.handleGetBatch)
	mux.HandleFunc("POST /queue/batches/{id}/cancel", s.handleCancelBatch)

	mux.HandleFunc("POST /queue/items", s.handleEnqueueItem)
	mux.HandleFunc("GET /queue/items", s.handleListItems)
	mux.HandleFunc("GET /queue/items/{id}", s.handleGetItem)
	mux.HandleFunc("POST /queue/items/{id}/retry", s.handleRetryItem)
	mux.HandleFunc("POST /queue/items/{id}/cancel", s.handleCancelItem)

	mux.HandleFunc("GET /queue/review", s.handleReview)
	mux.HandleFunc("GET /queue/events", s.handleEvents)
	mux.HandleFunc("GET /queue/stats", s.handleStats)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return LoggingMiddleware(s.logger)(mux)
}
