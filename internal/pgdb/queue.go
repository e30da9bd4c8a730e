package pgdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

const itemColumns = `id, batch_id, source_reference, status, priority, retry_count, max_retries,
	error_classification, error_detail, requires_human_review,
	created_at, started_at, completed_at, last_retry_at, next_retry_at`

const batchColumns = `id, total_items, completed_count, failed_count, status, created_by,
	created_at, started_at, completed_at, metadata`

// prefixed qualifies every column in cols with alias.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanItem(row pgx.CollectableRow) (models.QueueItem, error) {
	var (
		it    models.QueueItem
		class *string
	)
	err := row.Scan(
		&it.ID, &it.BatchID, &it.SourceReference, &it.Status, &it.Priority, &it.RetryCount, &it.MaxRetries,
		&class, &it.ErrorDetail, &it.RequiresHumanReview,
		&it.CreatedAt, &it.StartedAt, &it.CompletedAt, &it.LastRetryAt, &it.NextRetryAt,
	)
	if err != nil {
		return models.QueueItem{}, err
	}
	if class != nil {
		it.ErrorClassification = models.Ptr(models.ErrorClass(*class))
	}
	it.CreatedAt = it.CreatedAt.UTC()
	it.StartedAt = utc(it.StartedAt)
	it.CompletedAt = utc(it.CompletedAt)
	it.LastRetryAt = utc(it.LastRetryAt)
	it.NextRetryAt = utc(it.NextRetryAt)
	return it, nil
}

func scanBatch(row pgx.CollectableRow) (models.Batch, error) {
	var b models.Batch
	err := row.Scan(
		&b.ID, &b.TotalItems, &b.CompletedCount, &b.FailedCount, &b.Status, &b.CreatedBy,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt, &b.Metadata,
	)
	if err != nil {
		return models.Batch{}, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.StartedAt = utc(b.StartedAt)
	b.CompletedAt = utc(b.CompletedAt)
	return b, nil
}

func (s *Store) queryItems(ctx context.Context, q pgx.Tx, sql string, args ...any) ([]models.QueueItem, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if q != nil {
		rows, err = q.Query(ctx, sql, args...)
	} else {
		rows, err = s.pool.Query(ctx, sql, args...)
	}
	if err != nil {
		return nil, err
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	return items, nil
}

// EnqueueBatch inserts the batch row and its items in one transaction.
func (s *Store) EnqueueBatch(ctx context.Context, req queue.EnqueueRequest) (*models.Batch, error) {
	refs, priorities, maxRetries, err := req.Prepare()
	if err != nil {
		return nil, err
	}

	batchID := uuid.New().String()
	createdAt := s.now()
	var metadata any
	if len(req.Metadata) > 0 {
		metadata = req.Metadata
	}

	var batch models.Batch
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			INSERT INTO queue_batch (id, total_items, status, created_by, created_at, metadata)
			VALUES ($1, $2, 'pending', $3, $4, $5)
			RETURNING `+batchColumns,
			batchID, len(refs), req.CreatedBy, createdAt, metadata)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		batch, err = pgx.CollectExactlyOneRow(rows, scanBatch)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"queue_item"},
			[]string{"id", "batch_id", "source_reference", "status", "priority", "max_retries", "created_at"},
			pgx.CopyFromSlice(len(refs), func(i int) ([]any, error) {
				ref := refs[i]
				return []any{
					uuid.New().String(), batchID, ref, string(models.StatusPending),
					priorities[ref], maxRetries, queue.MemberCreatedAt(createdAt, i),
				}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("insert items: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue batch: %w", err)
	}
	return &batch, nil
}

// EnqueueItem inserts a standalone pending item.
func (s *Store) EnqueueItem(ctx context.Context, req queue.ItemRequest) (*models.QueueItem, error) {
	ref, priority, maxRetries, err := req.Prepare()
	if err != nil {
		return nil, err
	}

	items, err := s.queryItems(ctx, nil, `
		INSERT INTO queue_item (id, source_reference, status, priority, max_retries, created_at)
		VALUES ($1, $2, 'pending', $3, $4, $5)
		RETURNING `+itemColumns,
		uuid.New().String(), ref, priority, maxRetries, s.now())
	if err != nil {
		return nil, fmt.Errorf("enqueue item: %w", err)
	}
	return &items[0], nil
}

// ListItems returns items matching filter in dispatch order, or oldest first.
func (s *Store) ListItems(ctx context.Context, filter queue.ListFilter) ([]models.QueueItem, error) {
	conds := []string{"true"}
	args := []any{filter.EffectiveLimit()}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.RequiresHumanReview != nil {
		args = append(args, *filter.RequiresHumanReview)
		conds = append(conds, fmt.Sprintf("requires_human_review = $%d", len(args)))
	}

	order := "priority DESC, created_at ASC, id ASC"
	if filter.OldestFirst {
		order = "created_at ASC, id ASC"
	}

	sql := fmt.Sprintf(`SELECT %s FROM queue_item WHERE %s ORDER BY %s LIMIT $1`,
		itemColumns, strings.Join(conds, " AND "), order)
	items, err := s.queryItems(ctx, nil, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// GetItem retrieves an item by ID.
func (s *Store) GetItem(ctx context.Context, id string) (*models.QueueItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM queue_item WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	it, err := pgx.CollectExactlyOneRow(rows, scanItem)
	if err != nil {
		return nil, notFound(err)
	}
	return &it, nil
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+batchColumns+` FROM queue_batch WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	b, err := pgx.CollectExactlyOneRow(rows, scanBatch)
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

// CountRunning returns the number of items in running state.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM queue_item WHERE status = 'running'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return n, nil
}

// ClaimNext locks up to n eligible rows with FOR UPDATE SKIP LOCKED and moves
// them to running in the same statement, so concurrent claimers never see the
// same row.
func (s *Store) ClaimNext(ctx context.Context, n int, now time.Time) ([]models.QueueItem, error) {
	if n <= 0 {
		return []models.QueueItem{}, nil
	}

	var claimed []models.QueueItem
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		claimed, err = s.queryItems(ctx, tx, `
			WITH picked AS (
				SELECT id FROM queue_item
				WHERE status = 'pending'
					OR (status = 'failed'
						AND NOT requires_human_review
						AND retry_count < max_retries
						AND next_retry_at <= $2)
				ORDER BY priority DESC, created_at ASC, id ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE queue_item q SET
				retry_count = CASE WHEN q.status = 'failed' THEN q.retry_count + 1 ELSE q.retry_count END,
				status = 'running',
				started_at = $2,
				next_retry_at = NULL,
				completed_at = NULL
			FROM picked
			WHERE q.id = picked.id
			RETURNING `+prefixed("q", itemColumns),
			n, now)
		if err != nil {
			return fmt.Errorf("claim items: %w", err)
		}

		var batchIDs []string
		for _, it := range claimed {
			if it.BatchID != nil {
				batchIDs = append(batchIDs, *it.BatchID)
			}
		}
		if len(batchIDs) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE queue_batch SET status = 'running', started_at = $2
			WHERE id = ANY($1) AND status = 'pending'
		`, batchIDs, now)
		if err != nil {
			return fmt.Errorf("start batches: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}

	models.SortForDispatch(claimed)
	return claimed, nil
}

// recordOutcome applies o to the batch under a row lock.
func recordOutcome(ctx context.Context, tx pgx.Tx, batchID string, o queue.Outcome, now time.Time) error {
	rows, err := tx.Query(ctx, `SELECT `+batchColumns+` FROM queue_batch WHERE id = $1 FOR UPDATE`, batchID)
	if err != nil {
		return fmt.Errorf("lock batch: %w", err)
	}
	b, err := pgx.CollectExactlyOneRow(rows, scanBatch)
	if err != nil {
		return fmt.Errorf("lock batch: %w", notFound(err))
	}

	b = queue.Record(b, o, now)
	_, err = tx.Exec(ctx, `
		UPDATE queue_batch SET completed_count = $2, failed_count = $3, status = $4, completed_at = $5
		WHERE id = $1
	`, b.ID, b.CompletedCount, b.FailedCount, string(b.Status), b.CompletedAt)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	return nil
}

// finishRunning runs a conditional UPDATE of a running item returning its
// batch_id. It reports false when the item exists but is no longer running.
func finishRunning(ctx context.Context, tx pgx.Tx, id, sql string, args ...any) (*string, bool, error) {
	var batchID *string
	err := tx.QueryRow(ctx, sql, append([]any{id}, args...)...).Scan(&batchID)
	if err == nil {
		return batchID, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_item WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, queue.ErrNotFound
	}
	return nil, false, nil
}

// MarkCompleted completes a running item and counts it on its batch.
func (s *Store) MarkCompleted(ctx context.Context, id string, now time.Time) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		batchID, ok, err := finishRunning(ctx, tx, id, `
			UPDATE queue_item SET status = 'completed', completed_at = $2
			WHERE id = $1 AND status = 'running'
			RETURNING batch_id
		`, now)
		if err != nil || !ok {
			return err
		}
		applied = true
		if batchID == nil {
			return nil
		}
		return recordOutcome(ctx, tx, *batchID, queue.OutcomeCompleted, now)
	})
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return applied, nil
}

// MarkFailed records a failed attempt on a running item. An escalating
// failure flags the item for review and counts it on its batch.
func (s *Store) MarkFailed(ctx context.Context, id string, f models.Failure) (bool, error) {
	detail := f.Detail
	if detail == nil {
		detail = map[string]any{}
	}

	var applied bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if !f.Escalate {
			_, ok, err := finishRunning(ctx, tx, id, `
				UPDATE queue_item SET
					status = 'failed',
					error_classification = $2,
					error_detail = $3,
					next_retry_at = $4,
					last_retry_at = $5
				WHERE id = $1 AND status = 'running'
				RETURNING batch_id
			`, string(f.Class), detail, f.NextRetryAt, f.At)
			applied = ok
			return err
		}

		batchID, ok, err := finishRunning(ctx, tx, id, `
			UPDATE queue_item SET
				status = 'failed',
				error_classification = $2,
				error_detail = $3,
				requires_human_review = true,
				retry_count = max_retries,
				next_retry_at = NULL,
				completed_at = $4
			WHERE id = $1 AND status = 'running'
			RETURNING batch_id
		`, string(f.Class), detail, f.At)
		if err != nil || !ok {
			return err
		}
		applied = true
		if batchID == nil {
			return nil
		}
		return recordOutcome(ctx, tx, *batchID, queue.OutcomeFailed, f.At)
	})
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return applied, nil
}

type lockedItem struct {
	status      models.Status
	escalated   bool
	batchID     *string
	batchStatus *models.Status
}

func lockItem(ctx context.Context, tx pgx.Tx, id string) (lockedItem, error) {
	var it lockedItem
	err := tx.QueryRow(ctx, `
		SELECT status, requires_human_review, batch_id,
			(SELECT b.status FROM queue_batch b WHERE b.id = queue_item.batch_id)
		FROM queue_item WHERE id = $1 FOR UPDATE
	`, id).Scan(&it.status, &it.escalated, &it.batchID, &it.batchStatus)
	return it, notFound(err)
}

// ManualRetry resets a failed item to pending. Retrying an escalated batch
// member takes back its failure count and reopens the batch. Members of a
// cancelled batch stay failed.
func (s *Store) ManualRetry(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		it, err := lockItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if it.status != models.StatusFailed {
			return queue.ErrInvalidState
		}
		if it.batchStatus != nil && *it.batchStatus == models.StatusCancelled {
			return queue.ErrInvalidState
		}

		_, err = tx.Exec(ctx, `
			UPDATE queue_item SET
				status = 'pending',
				retry_count = 0,
				requires_human_review = false,
				next_retry_at = NULL,
				started_at = NULL,
				completed_at = NULL
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		if it.escalated && it.batchID != nil {
			return recordOutcome(ctx, tx, *it.batchID, queue.OutcomeReopened, s.now())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("manual retry: %w", err)
	}
	return nil
}

// CancelItem cancels a pending, running or failed item. A member not yet
// counted on its batch is counted as failed.
func (s *Store) CancelItem(ctx context.Context, id string) error {
	now := s.now()
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		it, err := lockItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if !queue.Cancellable(it.status) {
			return queue.ErrInvalidState
		}
		counted := it.status == models.StatusFailed && it.escalated

		_, err = tx.Exec(ctx, `
			UPDATE queue_item SET
				status = 'cancelled',
				requires_human_review = false,
				next_retry_at = NULL,
				completed_at = $2
			WHERE id = $1
		`, id, now)
		if err != nil {
			return err
		}
		if it.batchID != nil && !counted {
			return recordOutcome(ctx, tx, *it.batchID, queue.OutcomeFailed, now)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel item: %w", err)
	}
	return nil
}

// CancelBatch cancels every member that is not yet terminal, then the batch.
func (s *Store) CancelBatch(ctx context.Context, id string) error {
	now := s.now()
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status models.Status
		err := tx.QueryRow(ctx, `SELECT status FROM queue_batch WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err != nil {
			return notFound(err)
		}
		if status.Terminal() {
			return queue.ErrInvalidState
		}

		tag, err := tx.Exec(ctx, `
			UPDATE queue_item SET
				status = 'cancelled',
				next_retry_at = NULL,
				completed_at = $2
			WHERE batch_id = $1
				AND (status IN ('pending', 'running')
					OR (status = 'failed' AND NOT requires_human_review))
		`, id, now)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE queue_batch SET
				failed_count = LEAST(failed_count + $2, total_items - completed_count),
				status = 'cancelled',
				completed_at = $3
			WHERE id = $1
		`, id, tag.RowsAffected(), now)
		return err
	})
	if err != nil {
		return fmt.Errorf("cancel batch: %w", err)
	}
	return nil
}

// ListStale returns running items started before startedBefore, oldest first.
func (s *Store) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		limit = queue.DefaultListLimit
	}
	items, err := s.queryItems(ctx, nil, `
		SELECT `+itemColumns+` FROM queue_item
		WHERE status = 'running' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2
	`, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	return items, nil
}

// PurgeTerminal deletes terminal items finished before finishedBefore and
// finished batches left without members.
func (s *Store) PurgeTerminal(ctx context.Context, finishedBefore time.Time) (int, error) {
	var purged int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM queue_item
			WHERE completed_at < $1
				AND (status IN ('completed', 'cancelled') OR (status = 'failed' AND requires_human_review))
		`, finishedBefore)
		if err != nil {
			return err
		}
		purged = tag.RowsAffected()

		_, err = tx.Exec(ctx, `
			DELETE FROM queue_batch b
			WHERE b.status IN ('completed', 'failed', 'cancelled')
				AND b.completed_at < $1
				AND NOT EXISTS (SELECT 1 FROM queue_item i WHERE i.batch_id = b.id)
		`, finishedBefore)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge terminal: %w", err)
	}
	return int(purged), nil
}
