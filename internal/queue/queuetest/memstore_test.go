package queuetest_test

import (
	"testing"

	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue/queuetest"
)

func TestMemStore(t *testing.T) {
	queuetest.RunStoreSuite(t, func(*testing.T) queue.Store {
		return queuetest.NewMemStore()
	})
}
