package queue

import (
	"context"
	"log/slog"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

// Review is the operator surface for items that exhausted their retries.
type Review struct {
	store  Store
	bus    *Bus
	logger *slog.Logger
}

// NewReview creates a review surface over store. bus may be nil.
func NewReview(store Store, bus *Bus, logger *slog.Logger) *Review {
	if logger == nil {
		logger = slog.Default()
	}
	return &Review{store: store, bus: bus, logger: logger}
}

// Pending lists items awaiting human review, oldest first.
func (r *Review) Pending(ctx context.Context, limit int) ([]models.QueueItem, error) {
	flagged := true
	return r.store.ListItems(ctx, ListFilter{
		RequiresHumanReview: &flagged,
		Limit:               limit,
		OldestFirst:         true,
	})
}

// Retry gives a failed item a fresh retry budget.
func (r *Review) Retry(ctx context.Context, id string) (*models.QueueItem, error) {
	if err := r.store.ManualRetry(ctx, id); err != nil {
		return nil, err
	}
	item, err := r.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	r.logger.Info("item manually retried", "item_id", id, "source", item.SourceReference)
	r.bus.Publish(itemEvent(EventManualRetry, item))
	return item, nil
}

// Abandon cancels an item so it is explicitly marked as given up.
func (r *Review) Abandon(ctx context.Context, id string) (*models.QueueItem, error) {
	if err := r.store.CancelItem(ctx, id); err != nil {
		return nil, err
	}
	item, err := r.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	r.logger.Info("item cancelled", "item_id", id, "source", item.SourceReference)
	r.bus.Publish(itemEvent(EventCancelled, item))
	return item, nil
}

// CancelBatch cancels a batch and its non-terminal members.
func (r *Review) CancelBatch(ctx context.Context, id string) (*models.Batch, error) {
	if err := r.store.CancelBatch(ctx, id); err != nil {
		return nil, err
	}
	batch, err := r.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	r.logger.Info("batch cancelled", "batch_id", id)
	r.bus.Publish(Event{Type: EventBatchCancelled, BatchID: id})
	return batch, nil
}
