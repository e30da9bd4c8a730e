package queue

import (
	"time"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

// Tally is the roll-up view of a batch that the aggregator reasons about.
type Tally struct {
	Total     int
	Completed int
	Failed    int
}

// TallyOf extracts the counters from a batch.
func TallyOf(b *models.Batch) Tally {
	return Tally{Total: b.TotalItems, Completed: b.CompletedCount, Failed: b.FailedCount}
}

// Done reports whether every item has reached a counted outcome.
func (t Tally) Done() bool {
	return t.Total > 0 && t.Completed+t.Failed >= t.Total
}

// Settle returns the terminal status the batch should take, and false while
// items are still outstanding.
func (t Tally) Settle() (models.Status, bool) {
	if !t.Done() {
		return "", false
	}
	if t.Failed > 0 {
		return models.StatusFailed, true
	}
	return models.StatusCompleted, true
}

// Valid reports whether the counters respect completed + failed <= total.
func (t Tally) Valid() bool {
	return t.Completed >= 0 && t.Failed >= 0 && t.Completed+t.Failed <= t.Total
}

// Outcome is a counted item transition reported to the aggregator.
type Outcome int

const (
	OutcomeCompleted Outcome = iota + 1
	OutcomeFailed
	// OutcomeReopened undoes a counted failure when an operator retries an escalated item.
	OutcomeReopened
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeReopened:
		return "reopened"
	}
	return "unknown"
}

// Record applies one outcome to b and returns the updated batch. Counters
// never exceed the total. A cancelled batch keeps its status; any other batch
// settles to completed or failed once all items are counted, and a reopened
// batch goes back to running.
func Record(b models.Batch, o Outcome, now time.Time) models.Batch {
	switch o {
	case OutcomeCompleted:
		if b.CompletedCount+b.FailedCount < b.TotalItems {
			b.CompletedCount++
		}
	case OutcomeFailed:
		if b.CompletedCount+b.FailedCount < b.TotalItems {
			b.FailedCount++
		}
	case OutcomeReopened:
		if b.FailedCount > 0 {
			b.FailedCount--
		}
		if b.Status == models.StatusCompleted || b.Status == models.StatusFailed {
			b.Status = models.StatusRunning
			b.CompletedAt = nil
		}
		return b
	}

	if b.Status.Terminal() {
		return b
	}
	if status, ok := TallyOf(&b).Settle(); ok {
		b.Status = status
		b.CompletedAt = &now
	}
	return b
}

// MarkStarted moves a pending batch to running when its first item is claimed.
func MarkStarted(b models.Batch, now time.Time) models.Batch {
	if b.Status == models.StatusPending {
		b.Status = models.StatusRunning
		b.StartedAt = &now
	}
	return b
}
