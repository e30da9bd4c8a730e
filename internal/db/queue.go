package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	backoff "github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

var _ queue.Store = (*Client)(nil)

// Results of the single-item transition transactions.
const (
	outcomeApplied = "applied"
	outcomeSkipped = "skipped"
	outcomeMissing = "missing"
)

// eligibleClause matches claimable items. $now is bound by the caller.
const eligibleClause = `(status = "pending" OR (status = "failed"
	AND requires_human_review = false
	AND retry_count < max_retries
	AND next_retry_at != NONE
	AND next_retry_at <= $now))`

// settleBatch finalizes $b once every item is counted. Cancelled batches keep their status.
const settleBatch = `
	UPDATE $b SET
		status = IF failed_count > 0 { "failed" } ELSE { "completed" },
		completed_at = $now
	WHERE status INSIDE ["pending", "running"]
		AND completed_count + failed_count >= total_items;`

type batchRow struct {
	ID             surrealmodels.RecordID `json:"id"`
	TotalItems     int                    `json:"total_items"`
	CompletedCount int                    `json:"completed_count"`
	FailedCount    int                    `json:"failed_count"`
	Status         string                 `json:"status"`
	CreatedBy      string                 `json:"created_by"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
}

func (r batchRow) toModel() (*models.Batch, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return nil, err
	}
	return &models.Batch{
		ID:             id,
		TotalItems:     r.TotalItems,
		CompletedCount: r.CompletedCount,
		FailedCount:    r.FailedCount,
		Status:         models.Status(r.Status),
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		Metadata:       r.Metadata,
	}, nil
}

type itemRow struct {
	ID                  surrealmodels.RecordID `json:"id"`
	BatchID             *string                `json:"batch_id,omitempty"`
	SourceReference     string                 `json:"source_reference"`
	Status              string                 `json:"status"`
	Priority            int                    `json:"priority"`
	RetryCount          int                    `json:"retry_count"`
	MaxRetries          int                    `json:"max_retries"`
	ErrorClassification *string                `json:"error_classification,omitempty"`
	ErrorDetail         map[string]any         `json:"error_detail,omitempty"`
	RequiresHumanReview bool                   `json:"requires_human_review"`
	CreatedAt           time.Time              `json:"created_at"`
	StartedAt           *time.Time             `json:"started_at,omitempty"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
	LastRetryAt         *time.Time             `json:"last_retry_at,omitempty"`
	NextRetryAt         *time.Time             `json:"next_retry_at,omitempty"`
}

func (r itemRow) toModel() (models.QueueItem, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.QueueItem{}, err
	}
	item := models.QueueItem{
		ID:                  id,
		BatchID:             r.BatchID,
		SourceReference:     r.SourceReference,
		Status:              models.Status(r.Status),
		Priority:            r.Priority,
		RetryCount:          r.RetryCount,
		MaxRetries:          r.MaxRetries,
		ErrorDetail:         r.ErrorDetail,
		RequiresHumanReview: r.RequiresHumanReview,
		CreatedAt:           r.CreatedAt,
		StartedAt:           r.StartedAt,
		CompletedAt:         r.CompletedAt,
		LastRetryAt:         r.LastRetryAt,
		NextRetryAt:         r.NextRetryAt,
	}
	if r.ErrorClassification != nil {
		item.ErrorClassification = models.Ptr(models.ErrorClass(*r.ErrorClassification))
	}
	return item, nil
}

func toItems(rows []itemRow) ([]models.QueueItem, error) {
	items := make([]models.QueueItem, 0, len(rows))
	for _, r := range rows {
		it, err := r.toModel()
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// queryItems runs a single SELECT/UPDATE statement returning item rows.
func (c *Client) queryItems(ctx context.Context, sql string, vars map[string]any) ([]models.QueueItem, error) {
	results, err := surrealdb.Query[[]itemRow](ctx, c.db, sql, vars)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 {
		return []models.QueueItem{}, nil
	}
	return toItems((*results)[0].Result)
}

// queryLastItems runs a multi-statement query and decodes the items returned
// by its last statement.
func (c *Client) queryLastItems(ctx context.Context, sql string, vars map[string]any) ([]models.QueueItem, error) {
	results, err := surrealdb.Query[[]itemRow](ctx, c.db, sql, vars)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 {
		return []models.QueueItem{}, nil
	}
	return toItems((*results)[len(*results)-1].Result)
}

// transition runs a multi-statement transaction whose last statement yields
// one of the outcome strings.
func (c *Client) transition(ctx context.Context, sql string, vars map[string]any) (string, error) {
	results, err := surrealdb.Query[any](ctx, c.db, sql, vars)
	if err != nil {
		return "", wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 {
		return "", ErrUnexpectedResult
	}
	last := (*results)[len(*results)-1]
	s, ok := last.Result.(string)
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrUnexpectedResult, last.Result)
	}
	return s, nil
}

// EnqueueBatch creates the batch and its items in one transaction.
func (c *Client) EnqueueBatch(ctx context.Context, req queue.EnqueueRequest) (*models.Batch, error) {
	refs, priorities, maxRetries, err := req.Prepare()
	if err != nil {
		return nil, err
	}

	batchID := uuid.New().String()
	createdAt := c.now()
	items := make([]map[string]any, 0, len(refs))
	for i, ref := range refs {
		items = append(items, map[string]any{
			"id":         uuid.New().String(),
			"ref":        ref,
			"priority":   priorities[ref],
			"created_at": queue.MemberCreatedAt(createdAt, i),
		})
	}

	metadataClause := ""
	vars := map[string]any{
		"batch_id":    batchID,
		"total":       len(refs),
		"created_by":  req.CreatedBy,
		"created_at":  createdAt,
		"max_retries": maxRetries,
		"items":       items,
	}
	if len(req.Metadata) > 0 {
		metadataClause = ", metadata: $metadata"
		vars["metadata"] = req.Metadata
	}

	sql := fmt.Sprintf(`
		BEGIN TRANSACTION;
		CREATE type::record("queue_batch", $batch_id) CONTENT {
			total_items: $total,
			completed_count: 0,
			failed_count: 0,
			status: "pending",
			created_by: $created_by,
			created_at: $created_at%s
		};
		FOR $it IN $items {
			CREATE type::record("queue_item", $it.id) CONTENT {
				batch_id: $batch_id,
				source_reference: $it.ref,
				status: "pending",
				priority: $it.priority,
				retry_count: 0,
				max_retries: $max_retries,
				requires_human_review: false,
				created_at: $it.created_at
			};
		};
		COMMIT TRANSACTION;
	`, metadataClause)

	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return nil, fmt.Errorf("enqueue batch: %w", wrapQueryError(err))
	}
	return c.GetBatch(ctx, batchID)
}

// EnqueueItem creates a standalone pending item.
func (c *Client) EnqueueItem(ctx context.Context, req queue.ItemRequest) (*models.QueueItem, error) {
	ref, priority, maxRetries, err := req.Prepare()
	if err != nil {
		return nil, err
	}

	items, err := c.queryItems(ctx, `
		CREATE type::record("queue_item", $id) CONTENT {
			source_reference: $ref,
			status: "pending",
			priority: $priority,
			retry_count: 0,
			max_retries: $max_retries,
			requires_human_review: false,
			created_at: $created_at
		} RETURN AFTER
	`, map[string]any{
		"id":          uuid.New().String(),
		"ref":         ref,
		"priority":    priority,
		"max_retries": maxRetries,
		"created_at":  c.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue item: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("enqueue item: %w", ErrUnexpectedResult)
	}
	return &items[0], nil
}

// ListItems returns items matching filter in dispatch order, or oldest first.
func (c *Client) ListItems(ctx context.Context, filter queue.ListFilter) ([]models.QueueItem, error) {
	conds := []string{"true"}
	vars := map[string]any{"limit": filter.EffectiveLimit()}
	if filter.Status != nil {
		conds = append(conds, "status = $status")
		vars["status"] = string(*filter.Status)
	}
	if filter.RequiresHumanReview != nil {
		conds = append(conds, "requires_human_review = $review")
		vars["review"] = *filter.RequiresHumanReview
	}

	order := "priority DESC, created_at ASC, id ASC"
	if filter.OldestFirst {
		order = "created_at ASC, id ASC"
	}

	sql := fmt.Sprintf(`SELECT * FROM queue_item WHERE %s ORDER BY %s LIMIT $limit`,
		strings.Join(conds, " AND "), order)
	items, err := c.queryItems(ctx, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// GetItem retrieves an item by ID.
func (c *Client) GetItem(ctx context.Context, id string) (*models.QueueItem, error) {
	items, err := c.queryItems(ctx, `SELECT * FROM type::record("queue_item", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(items) == 0 {
		return nil, queue.ErrNotFound
	}
	return &items[0], nil
}

// GetBatch retrieves a batch by ID.
func (c *Client) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	results, err := surrealdb.Query[[]batchRow](ctx, c.db, `
		SELECT * FROM type::record("queue_batch", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, queue.ErrNotFound
	}
	return (*results)[0].Result[0].toModel()
}

// CountRunning returns the number of items in running state.
func (c *Client) CountRunning(ctx context.Context) (int, error) {
	type countRow struct {
		Count int `json:"count"`
	}
	results, err := surrealdb.Query[[]countRow](ctx, c.db, `
		SELECT count() AS count FROM queue_item WHERE status = "running" GROUP ALL
	`, nil)
	if err != nil {
		return 0, fmt.Errorf("count running: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].Count, nil
}

// ClaimNext claims up to n eligible items and starts their pending batches
// in one transaction. The WHERE clause is re-evaluated per record, so a
// record claimed concurrently is skipped or the transaction conflicts and is
// retried.
func (c *Client) ClaimNext(ctx context.Context, n int, now time.Time) ([]models.QueueItem, error) {
	if n <= 0 {
		return []models.QueueItem{}, nil
	}

	sql := fmt.Sprintf(`
		BEGIN TRANSACTION;
		LET $claimed = (UPDATE (
			SELECT id, priority, created_at FROM queue_item
			WHERE %[1]s
			ORDER BY priority DESC, created_at ASC
			LIMIT $limit
		).id SET
			retry_count = IF status = "failed" { retry_count + 1 } ELSE { retry_count },
			status = "running",
			started_at = $now,
			next_retry_at = NONE,
			completed_at = NONE
		WHERE %[1]s
		RETURN AFTER);
		FOR $batch IN array::distinct($claimed.batch_id) {
			IF $batch != NONE {
				UPDATE type::record("queue_batch", $batch) SET status = "running", started_at = $now
				WHERE status = "pending";
			};
		};
		$claimed;
		COMMIT TRANSACTION;
	`, eligibleClause)
	vars := map[string]any{"limit": n, "now": now}

	var claimed []models.QueueItem
	err := backoff.Do(
		func() error {
			var err error
			claimed, err = c.queryLastItems(ctx, sql, vars)
			return err
		},
		backoff.Context(ctx),
		backoff.Attempts(5),
		backoff.Delay(20*time.Millisecond),
		backoff.LastErrorOnly(true),
		backoff.RetryIf(func(err error) bool { return errors.Is(err, ErrTransactionConflict) }),
	)
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	models.SortForDispatch(claimed)
	return claimed, nil
}

// MarkCompleted completes a running item and counts it on its batch.
func (c *Client) MarkCompleted(ctx context.Context, id string, now time.Time) (bool, error) {
	outcome, err := c.transition(ctx, `
		BEGIN TRANSACTION;
		LET $found = array::len((SELECT id FROM type::record("queue_item", $id))) > 0;
		LET $item = (UPDATE type::record("queue_item", $id) SET
			status = "completed",
			completed_at = $now
		WHERE status = "running" RETURN AFTER)[0];
		IF $item != NONE AND $item.batch_id != NONE {
			LET $b = type::record("queue_batch", $item.batch_id);
			UPDATE $b SET completed_count += 1 WHERE completed_count + failed_count < total_items;
			`+settleBatch+`
		};
		IF !$found { "missing" } ELSE IF $item = NONE { "skipped" } ELSE { "applied" };
		COMMIT TRANSACTION;
	`, map[string]any{"id": id, "now": now})
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return appliedOutcome(outcome)
}

// MarkFailed records a failed attempt on a running item. An escalating
// failure flags the item for review and counts it on its batch.
func (c *Client) MarkFailed(ctx context.Context, id string, f models.Failure) (bool, error) {
	detail := f.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	vars := map[string]any{
		"id":     id,
		"class":  string(f.Class),
		"detail": detail,
		"now":    f.At,
	}

	var sql string
	if f.Escalate {
		sql = `
		BEGIN TRANSACTION;
		LET $found = array::len((SELECT id FROM type::record("queue_item", $id))) > 0;
		LET $item = (UPDATE type::record("queue_item", $id) SET
			status = "failed",
			error_classification = $class,
			error_detail = $detail,
			requires_human_review = true,
			retry_count = max_retries,
			next_retry_at = NONE,
			completed_at = $now
		WHERE status = "running" RETURN AFTER)[0];
		IF $item != NONE AND $item.batch_id != NONE {
			LET $b = type::record("queue_batch", $item.batch_id);
			UPDATE $b SET failed_count += 1 WHERE completed_count + failed_count < total_items;
			` + settleBatch + `
		};
		IF !$found { "missing" } ELSE IF $item = NONE { "skipped" } ELSE { "applied" };
		COMMIT TRANSACTION;`
	} else {
		vars["next"] = f.NextRetryAt
		sql = `
		BEGIN TRANSACTION;
		LET $found = array::len((SELECT id FROM type::record("queue_item", $id))) > 0;
		LET $item = (UPDATE type::record("queue_item", $id) SET
			status = "failed",
			error_classification = $class,
			error_detail = $detail,
			next_retry_at = $next,
			last_retry_at = $now
		WHERE status = "running" RETURN AFTER)[0];
		IF !$found { "missing" } ELSE IF $item = NONE { "skipped" } ELSE { "applied" };
		COMMIT TRANSACTION;`
	}

	outcome, err := c.transition(ctx, sql, vars)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return appliedOutcome(outcome)
}

// ManualRetry resets a failed item to pending. Retrying an escalated batch
// member takes back its failure count and reopens the batch. Members of a
// cancelled batch stay failed.
func (c *Client) ManualRetry(ctx context.Context, id string) error {
	outcome, err := c.transition(ctx, `
		BEGIN TRANSACTION;
		LET $before = (SELECT * FROM type::record("queue_item", $id))[0];
		LET $batch_cancelled = IF $before.batch_id != NONE {
			(SELECT VALUE status FROM type::record("queue_batch", $before.batch_id))[0] = "cancelled"
		} ELSE { false };
		LET $item = (UPDATE type::record("queue_item", $id) SET
			status = "pending",
			retry_count = 0,
			requires_human_review = false,
			next_retry_at = NONE,
			started_at = NONE,
			completed_at = NONE
		WHERE status = "failed" AND !$batch_cancelled RETURN AFTER)[0];
		IF $item != NONE AND $before.requires_human_review = true AND $before.batch_id != NONE {
			LET $b = type::record("queue_batch", $before.batch_id);
			UPDATE $b SET failed_count = math::max([failed_count - 1, 0]);
			UPDATE $b SET status = "running", completed_at = NONE WHERE status INSIDE ["completed", "failed"];
		};
		IF $before = NONE { "missing" } ELSE IF $item = NONE { "skipped" } ELSE { "applied" };
		COMMIT TRANSACTION;
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("manual retry: %w", err)
	}
	return stateOutcome(outcome)
}

// CancelItem cancels a pending, running or failed item. A member not yet
// counted on its batch is counted as failed.
func (c *Client) CancelItem(ctx context.Context, id string) error {
	outcome, err := c.transition(ctx, `
		BEGIN TRANSACTION;
		LET $before = (SELECT * FROM type::record("queue_item", $id))[0];
		LET $item = (UPDATE type::record("queue_item", $id) SET
			status = "cancelled",
			requires_human_review = false,
			next_retry_at = NONE,
			completed_at = $now
		WHERE status INSIDE ["pending", "running", "failed"] RETURN AFTER)[0];
		IF $item != NONE AND $item.batch_id != NONE AND $before.requires_human_review = false {
			LET $b = type::record("queue_batch", $item.batch_id);
			UPDATE $b SET failed_count += 1 WHERE completed_count + failed_count < total_items;
			`+settleBatch+`
		};
		IF $before = NONE { "missing" } ELSE IF $item = NONE { "skipped" } ELSE { "applied" };
		COMMIT TRANSACTION;
	`, map[string]any{"id": id, "now": c.now()})
	if err != nil {
		return fmt.Errorf("cancel item: %w", err)
	}
	return stateOutcome(outcome)
}

// CancelBatch cancels every member that is not yet terminal, then the batch.
func (c *Client) CancelBatch(ctx context.Context, id string) error {
	outcome, err := c.transition(ctx, `
		BEGIN TRANSACTION;
		LET $batch = (SELECT * FROM type::record("queue_batch", $id))[0];
		LET $open = $batch != NONE AND $batch.status INSIDE ["pending", "running"];
		IF $open {
			LET $members = (SELECT VALUE id FROM queue_item WHERE batch_id = $id AND (
				status INSIDE ["pending", "running"]
				OR (status = "failed" AND requires_human_review = false)
			));
			UPDATE $members SET
				status = "cancelled",
				next_retry_at = NONE,
				completed_at = $now;
			UPDATE type::record("queue_batch", $id) SET
				failed_count = math::min([failed_count + array::len($members), total_items - completed_count]),
				status = "cancelled",
				completed_at = $now;
		};
		IF $batch = NONE { "missing" } ELSE IF !$open { "skipped" } ELSE { "applied" };
		COMMIT TRANSACTION;
	`, map[string]any{"id": id, "now": c.now()})
	if err != nil {
		return fmt.Errorf("cancel batch: %w", err)
	}
	return stateOutcome(outcome)
}

// ListStale returns running items started before startedBefore, oldest first.
func (c *Client) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		limit = queue.DefaultListLimit
	}
	items, err := c.queryItems(ctx, `
		SELECT * FROM queue_item
		WHERE status = "running" AND started_at != NONE AND started_at < $before
		ORDER BY started_at ASC
		LIMIT $limit
	`, map[string]any{"before": startedBefore, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	return items, nil
}

// PurgeTerminal deletes terminal items finished before finishedBefore and
// finished batches left without members.
func (c *Client) PurgeTerminal(ctx context.Context, finishedBefore time.Time) (int, error) {
	results, err := surrealdb.Query[any](ctx, c.db, `
		BEGIN TRANSACTION;
		LET $gone = (DELETE queue_item
			WHERE completed_at != NONE AND completed_at < $before
				AND (status INSIDE ["completed", "cancelled"]
					OR (status = "failed" AND requires_human_review = true))
			RETURN BEFORE);
		DELETE queue_batch
			WHERE status INSIDE ["completed", "failed", "cancelled"]
				AND completed_at != NONE AND completed_at < $before
				AND array::len((SELECT id FROM queue_item WHERE batch_id = record::id($parent.id))) = 0;
		<string> array::len($gone);
		COMMIT TRANSACTION;
	`, map[string]any{"before": finishedBefore})
	if err != nil {
		return 0, fmt.Errorf("purge terminal: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return 0, ErrUnexpectedResult
	}
	s, ok := (*results)[len(*results)-1].Result.(string)
	if !ok {
		return 0, ErrUnexpectedResult
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnexpectedResult, s)
	}
	return n, nil
}

func appliedOutcome(outcome string) (bool, error) {
	switch outcome {
	case outcomeApplied:
		return true, nil
	case outcomeSkipped:
		return false, nil
	case outcomeMissing:
		return false, queue.ErrNotFound
	}
	return false, fmt.Errorf("%w: %q", ErrUnexpectedResult, outcome)
}

func stateOutcome(outcome string) error {
	switch outcome {
	case outcomeApplied:
		return nil
	case outcomeSkipped:
		return queue.ErrInvalidState
	case outcomeMissing:
		return queue.ErrNotFound
	}
	return fmt.Errorf("%w: %q", ErrUnexpectedResult, outcome)
}
