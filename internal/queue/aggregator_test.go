package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

func TestTallySettle(t *testing.T) {
	tests := []struct {
		name   string
		tally  queue.Tally
		status models.Status
		done   bool
	}{
		{"outstanding", queue.Tally{Total: 3, Completed: 2}, "", false},
		{"all completed", queue.Tally{Total: 3, Completed: 3}, models.StatusCompleted, true},
		{"one failure", queue.Tally{Total: 3, Completed: 2, Failed: 1}, models.StatusFailed, true},
		{"all failed", queue.Tally{Total: 2, Failed: 2}, models.StatusFailed, true},
		{"empty batch never settles", queue.Tally{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, done := tt.tally.Settle()
			assert.Equal(t, tt.done, done)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestRecordSettlesBatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := models.Batch{TotalItems: 2, Status: models.StatusPending}

	b = queue.MarkStarted(b, now)
	assert.Equal(t, models.StatusRunning, b.Status)
	assert.Equal(t, now, *b.StartedAt)

	b = queue.Record(b, queue.OutcomeCompleted, now)
	assert.Equal(t, models.StatusRunning, b.Status)
	assert.Nil(t, b.CompletedAt)

	b = queue.Record(b, queue.OutcomeFailed, now)
	assert.Equal(t, models.StatusFailed, b.Status)
	assert.Equal(t, 1, b.CompletedCount)
	assert.Equal(t, 1, b.FailedCount)
	assert.Equal(t, now, *b.CompletedAt)

	// counters never exceed the total
	b = queue.Record(b, queue.OutcomeCompleted, now)
	assert.Equal(t, 1, b.CompletedCount)
	assert.True(t, queue.TallyOf(&b).Valid())
}

func TestRecordReopen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := models.Batch{TotalItems: 1, Status: models.StatusRunning}

	b = queue.Record(b, queue.OutcomeFailed, now)
	assert.Equal(t, models.StatusFailed, b.Status)

	b = queue.Record(b, queue.OutcomeReopened, now)
	assert.Equal(t, models.StatusRunning, b.Status)
	assert.Equal(t, 0, b.FailedCount)
	assert.Nil(t, b.CompletedAt)

	b = queue.Record(b, queue.OutcomeCompleted, now)
	assert.Equal(t, models.StatusCompleted, b.Status)
}

func TestRecordKeepsCancelledStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := models.Batch{TotalItems: 2, CompletedCount: 1, Status: models.StatusCancelled, CompletedAt: &now}

	b = queue.Record(b, queue.OutcomeCompleted, now.Add(time.Hour))
	assert.Equal(t, models.StatusCancelled, b.Status)
	assert.Equal(t, 2, b.CompletedCount)
	assert.Equal(t, now, *b.CompletedAt)

	b = queue.Record(b, queue.OutcomeReopened, now)
	assert.Equal(t, models.StatusCancelled, b.Status)
}
