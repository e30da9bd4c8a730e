package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

const writeWait = 10 * time.Second

// handleEvents upgrades to a websocket and streams queue events as JSON
// messages until the client goes away. ?batch_id= narrows the stream to one
// batch.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event stream disabled"})
		return
	}
	batchID := r.URL.Query().Get("batch_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	// Reader: only control frames are expected; a read error means the peer left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.keepAlive)
	defer ping.Stop()

	s.logger.Debug("event stream opened", "batch_id", batchID)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case e, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if !matches(e, batchID) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func matches(e queue.Event, batchID string) bool {
	return batchID == "" || e.BatchID == batchID
}
