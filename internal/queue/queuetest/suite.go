package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// RunStoreSuite exercises the transition rules every queue.Store must follow.
// newStore must return an empty store for each call.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) queue.Store) {
	t.Run("EnqueueBatch", func(t *testing.T) { testEnqueueBatch(t, newStore(t)) })
	t.Run("EnqueueItem", func(t *testing.T) { testEnqueueItem(t, newStore(t)) })
	t.Run("ExplicitZeroIsKept", func(t *testing.T) { testExplicitZero(t, newStore(t)) })
	t.Run("ClaimOrder", func(t *testing.T) { testClaimOrder(t, newStore(t)) })
	t.Run("ClaimStartsBatches", func(t *testing.T) { testClaimStartsBatches(t, newStore(t)) })
	t.Run("ClaimMutualExclusion", func(t *testing.T) { testClaimMutualExclusion(t, newStore(t)) })
	t.Run("RetryLifecycle", func(t *testing.T) { testRetryLifecycle(t, newStore(t)) })
	t.Run("LateResultIsNoop", func(t *testing.T) { testLateResult(t, newStore(t)) })
	t.Run("ManualRetry", func(t *testing.T) { testManualRetry(t, newStore(t)) })
	t.Run("ManualRetryAfterBatchCancel", func(t *testing.T) { testManualRetryCancelledBatch(t, newStore(t)) })
	t.Run("CancelBatch", func(t *testing.T) { testCancelBatch(t, newStore(t)) })
	t.Run("ListItems", func(t *testing.T) { testListItems(t, newStore(t)) })
	t.Run("ListStale", func(t *testing.T) { testListStale(t, newStore(t)) })
	t.Run("PurgeTerminal", func(t *testing.T) { testPurgeTerminal(t, newStore(t)) })
}

func now() time.Time {
	return time.Now().UTC()
}

func itemsOf(t *testing.T, s queue.Store, batchID string) []models.QueueItem {
	t.Helper()
	all, err := s.ListItems(context.Background(), queue.ListFilter{Limit: queue.MaxListLimit})
	require.NoError(t, err)
	var out []models.QueueItem
	for _, it := range all {
		if it.BatchIDValue() == batchID {
			out = append(out, it)
		}
	}
	return out
}

func claimAll(t *testing.T, s queue.Store, at time.Time) []models.QueueItem {
	t.Helper()
	claimed, err := s.ClaimNext(context.Background(), queue.MaxListLimit, at)
	require.NoError(t, err)
	return claimed
}

func testEnqueueBatch(t *testing.T, s queue.Store) {
	ctx := context.Background()

	_, err := s.EnqueueBatch(ctx, queue.EnqueueRequest{SourceReferences: []string{" ", ""}})
	require.ErrorIs(t, err, queue.ErrEmptyBatch)

	_, err = s.EnqueueBatch(ctx, queue.EnqueueRequest{
		SourceReferences: []string{"a"},
		Priorities:       map[string]int{"a": 101},
	})
	require.ErrorIs(t, err, queue.ErrInvalidRequest)

	b, err := s.EnqueueBatch(ctx, queue.EnqueueRequest{
		SourceReferences: []string{"a", "b", "a", " c "},
		Priorities:       map[string]int{"b": 80},
		CreatedBy:        "tester",
		Metadata:         map[string]any{"origin": "suite"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, 3, b.TotalItems)
	assert.Equal(t, models.StatusPending, b.Status)
	assert.Equal(t, "tester", b.CreatedBy)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, 0, got.CompletedCount)
	assert.Equal(t, "suite", got.Metadata["origin"])

	items := itemsOf(t, s, b.ID)
	require.Len(t, items, 3)
	byRef := map[string]models.QueueItem{}
	for _, it := range items {
		byRef[it.SourceReference] = it
		assert.Equal(t, models.StatusPending, it.Status)
		assert.Equal(t, models.DefaultMaxRetries, it.MaxRetries)
		assert.Equal(t, 0, it.RetryCount)
		assert.False(t, it.RequiresHumanReview)
	}
	assert.Equal(t, 80, byRef["b"].Priority)
	assert.Equal(t, models.DefaultPriority, byRef["a"].Priority)
	assert.Contains(t, byRef, "c")

	_, err = s.GetBatch(ctx, "does-not-exist")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func testEnqueueItem(t *testing.T, s queue.Store) {
	ctx := context.Background()

	item, err := s.EnqueueItem(ctx, queue.ItemRequest{
		SourceReference: "https://standalone.example",
		Priority:        models.Ptr(0),
		MaxRetries:      models.Ptr(5),
	})
	require.NoError(t, err)
	assert.Nil(t, item.BatchID)
	assert.Equal(t, 0, item.Priority)
	assert.Equal(t, 5, item.MaxRetries)

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.SourceReference, got.SourceReference)

	_, err = s.GetItem(ctx, "does-not-exist")
	assert.ErrorIs(t, err, queue.ErrNotFound)

	_, err = s.EnqueueItem(ctx, queue.ItemRequest{SourceReference: "x", MaxRetries: models.Ptr(-1)})
	assert.ErrorIs(t, err, queue.ErrInvalidRequest)
}

func testExplicitZero(t *testing.T, s queue.Store) {
	ctx := context.Background()

	b, err := s.EnqueueBatch(ctx, queue.EnqueueRequest{
		SourceReferences: []string{"zero"},
		DefaultPriority:  models.Ptr(0),
		MaxRetries:       models.Ptr(0),
	})
	require.NoError(t, err)
	items := itemsOf(t, s, b.ID)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].Priority)
	assert.Equal(t, 0, items[0].MaxRetries)

	item, err := s.EnqueueItem(ctx, queue.ItemRequest{SourceReference: "zero-item", MaxRetries: models.Ptr(0)})
	require.NoError(t, err)
	assert.Equal(t, 0, item.MaxRetries)

	// With no retry budget the first failure escalates.
	claimed := claimAll(t, s, now())
	require.Len(t, claimed, 2)
	applied, err := s.MarkFailed(ctx, item.ID, models.Failure{
		Class:    models.ErrorNetwork,
		Escalate: true,
		At:       now(),
	})
	require.NoError(t, err)
	require.True(t, applied)

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, got.RequiresHumanReview)
	assert.Equal(t, 0, got.RetryCount)

	_, err = s.EnqueueBatch(ctx, queue.EnqueueRequest{SourceReferences: []string{"neg"}, DefaultPriority: models.Ptr(-1)})
	assert.ErrorIs(t, err, queue.ErrInvalidRequest)
}

func testClaimOrder(t *testing.T, s queue.Store) {
	ctx := context.Background()

	refs := []string{"p10", "p90", "p50-first", "p50-second"}
	prio := map[string]int{"p10": 10, "p90": 90, "p50-first": 50, "p50-second": 50}
	for _, ref := range refs {
		_, err := s.EnqueueItem(ctx, queue.ItemRequest{SourceReference: ref, Priority: models.Ptr(prio[ref])})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	first, err := s.ClaimNext(ctx, 2, now())
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "p90", first[0].SourceReference)
	assert.Equal(t, "p50-first", first[1].SourceReference)
	for _, it := range first {
		assert.Equal(t, models.StatusRunning, it.Status)
		assert.NotNil(t, it.StartedAt)
		assert.Nil(t, it.NextRetryAt)
	}

	rest := claimAll(t, s, now())
	require.Len(t, rest, 2)
	assert.Equal(t, "p50-second", rest[0].SourceReference)
	assert.Equal(t, "p10", rest[1].SourceReference)

	assert.Empty(t, claimAll(t, s, now()))

	running, err := s.CountRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, running)
}

func testClaimStartsBatches(t *testing.T, s queue.Store) {
	ctx := context.Background()

	first, err := s.EnqueueBatch(ctx, queue.EnqueueRequest{SourceReferences: []string{"a1", "a2"}})
	require.NoError(t, err)
	second, err := s.EnqueueBatch(ctx, queue.EnqueueRequest{SourceReferences: []string{"b1"}})
	require.NoError(t, err)
	_, err = s.EnqueueItem(ctx, queue.ItemRequest{SourceReference: "lone"})
	require.NoError(t, err)

	at := now()
	require.Len(t, claimAll(t, s, at), 4)

	for _, id := range []string{first.ID, second.ID} {
		batch, err := s.GetBatch(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, batch.Status)
		require.NotNil(t, batch.StartedAt)
		assert.WithinDuration(t, at, *batch.StartedAt, time.Second)
	}
}

func testClaimMutualExclusion(t *testing.T, s queue.Store) {
	ctx := context.Background()

	const total = 40
	refs := make([]string, total)
	for i := range refs {
		refs[i] = fmt.Sprintf("https://site.example/page/%d", i)
	}
	_, err := s.EnqueueBatch(ctx, queue.EnqueueRequest{SourceReferences: refs})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.ClaimNext(ctx, 3, now())
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, it := range claimed {
					seen[it.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s claimed %d times", id, n)
	}
}

func testRetryLifecycle(t *testing.T, s queue.Store) {
	ctx := context.Background()

	b, err := s.EnqueueBatch(ctx, queue.EnqueueRequest{SourceReferences: []string{"flaky"}, MaxRetries: models.Ptr(1)})
	require.NoError(t, err)

	t0 := now()
	claimed := claimAll(t, s, t0)
	require.Len(t, claimed, 1)
	id := claimed[0].ID

	batch, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, batch.Status)
	assert.NotNil(t, batch.StartedAt)

	retryAt := t0.Add(time.Minute)
	applied, err := s.MarkFailed(ctx, id, models.Failure{
		Class:       models.ErrorRateLimit,
		Detail:      map[string]any{"status": 429},
		NextRetryAt: retryAt,
		At:          t0,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	it, err := s.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, it.Status)
	require.NotNil(t, it.ErrorClassification)
	assert.Equal(t, models.ErrorRateLimit, *it.ErrorClassification)
	require.NotNil(t, it.NextRetryAt)
	assert.WithinDuration(t, retryAt, *it.NextRetryAt, time.Millisecond)
	assert.NotNil(t, it.LastRetryAt)

	assert.Empty(t, claimAll(t, s, t0.Add(30*time.Second)), "not eligible before next_retry_at")

	reclaimed := claimAll(t, s, retryAt)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 1, reclaimed[0].RetryCount)
	assert.Nil(t, reclaimed[0].NextRetryAt)

	applied, err = s.MarkFailed(ctx, id, models.Failure{Class: models.ErrorRateLimit, Escalate: true, At: retryAt})
	require.NoError(t, err)
	assert.True(t, applied)

	it, err = s.GetItem(ctx, id)
	require.NoError(t, err)
	assert.True(t, it.RequiresHumanReview)
	assert.Equal(t, it.MaxRetries, it.RetryCount)
	assert.Nil(t, it.NextRetryAt)

	assert.Empty(t, claimAll(t, s, retryAt.Add(24*time.Hour)), "escalated items are not claimable")

	batch, err = s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, batch.Status)
	assert.Equal(t, 1, batch.FailedCount)
	assert.NotNil(t, batch.CompletedAt)
}

func testLateResult(t *testing.T, s queue.Store) {
	ctx := context.Background()

	b, err := s.EnqueueBatch(ctx, queue.EnqueueRequest{SourceReferences: []string{"slow", "quick"}})
	require.NoError(t, err)
	claimed := claimAll(t, s, now())
	require.Len(t, claimed, 2)

	var slow, quick string
	for _, it := range claimed {
		if it.SourceReference == "slow" {
			slow = it.ID
		} else {
			quick = it.ID
		}
	}

	require.NoError(t, s.CancelItem(ctx, slow))

	applied, err := s.MarkCompleted(ctx, slow, now())
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = s.MarkFailed(ctx, slow, models.Failure{Class: models.ErrorOther, Escalate: true, At: now()})
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = s.MarkCompleted(ctx, quick, now())
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = s.MarkCompleted(ctx, quick, now())
	require.NoError(t, err)
	assert.False(t, applied, "second completion is a no-op")

	batch, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.CompletedCount)
	assert.Equal(t, 1, batch.FailedCount)
	assert.Equal(t, models.StatusFailed, batch.Status)

	it, err := s.GetItem(ctx, slow)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, it.Status)

	assert.ErrorIs(t, s.CancelItem(ctx, quick), queue.ErrInvalidState)
	assert.ErrorIs(t, s.CancelItem(ctx, "does-not-exist"), queue.ErrNotFound)
}

func testManualRetry(t *testing.T, s queue.Store) {
	ctx := context.Background()

	b, err := s.EnqueueBatch(ctx, queue.EnqueueRequest{SourceReferences: []string{"done", "stuck"}, MaxRetries: models.Ptr(1)})
	require.NoError(t, err)
	claimed := claimAll(t, s, now())
	require.Len(t, claimed, 2)

	var stuck string
	for _, it := range claimed {
		if it.SourceReference == "stuck" {
			stuck = it.ID
			assert.ErrorIs(t, s.ManualRetry(ctx, it.ID), queue.ErrInvalidState, "running items cannot be retried")
			_, err := s.MarkFailed(ctx, it.ID, models.Failure{Class: models.ErrorParse, Escalate: true, At: now()})
			require.NoError(t, err)
		} else {
			_, err := s.MarkCompleted(ctx, it.ID, now())
			require.NoError(t, err)
		}
	}

	batch, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, batch.Status)

	require.NoError(t, s.ManualRetry(ctx, stuck))
	it, err := s.GetItem(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, it.Status)
	assert.Equal(t, 0, it.RetryCount)
	assert.False(t, it.RequiresHumanReview)
	assert.Nil(t, it.NextRetryAt)

	batch, err = s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, batch.Status)
	assert.Equal(t, 0, batch.FailedCount)
	assert.Nil(t, batch.CompletedAt)

	reclaimed := claimAll(t, s, now())
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 0, reclaimed[0].RetryCount, "a pending item keeps its retry count when claimed")
	_, err = s.MarkCompleted(ctx, stuck, now())
	require.NoError(t, err)

	batch, err = s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, batch.Status)
	assert.Equal(t, 2, batch.CompletedCount)

	assert.ErrorIs(t, s.ManualRetry(ctx, stuck), queue.ErrInvalidState)
	assert.ErrorIs(t, s.ManualRetry(ctx, "does-not-exist"), queue.ErrNotFound)
}

func testManualRetryCancelledBatch(t *testing.T, s queue.Store) {
	ctx := context.Background()

	b, err := s.EnqueueBatch(ctx, queue.EnqueueRequest{SourceReferences: []string{"stuck", "waiting"}, MaxRetries: models.Ptr(0)})
	require.NoError(t, err)
	claimed := claimAll(t, s, now())
	require.Len(t, claimed, 2)

	var stuck string
	for _, it := range claimed {
		if it.SourceReference == "stuck" {
			stuck = it.ID
			_, err := s.MarkFailed(ctx, it.ID, models.Failure{Class: models.ErrorNetwork, Escalate: true, At: now()})
			require.NoError(t, err)
		}
	}
	require.NotEmpty(t, stuck)

	require.NoError(t, s.CancelBatch(ctx, b.ID))
	assert.ErrorIs(t, s.ManualRetry(ctx, stuck), queue.ErrInvalidState)

	it, err := s.GetItem(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, it.Status)
	assert.True(t, it.RequiresHumanReview)

	assert.Empty(t, claimAll(t, s, now().Add(time.Hour)), "nothing in a cancelled batch is claimable")

	batch, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, batch.Status)
}

func testCancelBatch(t *testing.T, s queue.Store) {
	ctx := context.Background()

	b, err := s.EnqueueBatch(ctx, queue.EnqueueRequest{SourceReferences: []string{"one", "two", "three"}})
	require.NoError(t, err)

	claimed, err := s.ClaimNext(ctx, 1, now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = s.MarkCompleted(ctx, claimed[0].ID, now())
	require.NoError(t, err)

	require.NoError(t, s.CancelBatch(ctx, b.ID))

	batch, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, batch.Status)
	assert.NotNil(t, batch.CompletedAt)
	assert.Equal(t, 1, batch.CompletedCount)
	assert.LessOrEqual(t, batch.CompletedCount+batch.FailedCount, batch.TotalItems)

	for _, it := range itemsOf(t, s, b.ID) {
		if it.ID == claimed[0].ID {
			assert.Equal(t, models.StatusCompleted, it.Status)
			continue
		}
		assert.Equal(t, models.StatusCancelled, it.Status)
	}
	assert.Empty(t, claimAll(t, s, now()))

	assert.ErrorIs(t, s.CancelBatch(ctx, b.ID), queue.ErrInvalidState)
	assert.ErrorIs(t, s.CancelBatch(ctx, "does-not-exist"), queue.ErrNotFound)
}

func testListItems(t *testing.T, s queue.Store) {
	ctx := context.Background()

	for i := range 5 {
		_, err := s.EnqueueItem(ctx, queue.ItemRequest{
			SourceReference: fmt.Sprintf("item-%d", i),
			Priority:        models.Ptr(i * 10),
		})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	claimed, err := s.ClaimNext(ctx, 1, now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	all, err := s.ListItems(ctx, queue.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "item-4", all[0].SourceReference)
	assert.Equal(t, "item-0", all[4].SourceReference)

	pending := models.StatusPending
	onlyPending, err := s.ListItems(ctx, queue.ListFilter{Status: &pending, Limit: 2})
	require.NoError(t, err)
	require.Len(t, onlyPending, 2)
	assert.Equal(t, "item-3", onlyPending[0].SourceReference)

	oldest, err := s.ListItems(ctx, queue.ListFilter{OldestFirst: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, oldest, 1)
	assert.Equal(t, "item-0", oldest[0].SourceReference)

	flagged := true
	review, err := s.ListItems(ctx, queue.ListFilter{RequiresHumanReview: &flagged})
	require.NoError(t, err)
	assert.Empty(t, review)
}

func testListStale(t *testing.T, s queue.Store) {
	ctx := context.Background()

	_, err := s.EnqueueBatch(ctx, queue.EnqueueRequest{SourceReferences: []string{"old", "fresh"}})
	require.NoError(t, err)

	t0 := now()
	first, err := s.ClaimNext(ctx, 1, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, first, 1)
	second, err := s.ClaimNext(ctx, 1, t0)
	require.NoError(t, err)
	require.Len(t, second, 1)

	stale, err := s.ListStale(ctx, t0.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, first[0].ID, stale[0].ID)
}

func testPurgeTerminal(t *testing.T, s queue.Store) {
	ctx := context.Background()

	b, err := s.EnqueueBatch(ctx, queue.EnqueueRequest{SourceReferences: []string{"x", "y"}})
	require.NoError(t, err)

	finished := now().Add(-48 * time.Hour)
	for _, it := range claimAll(t, s, finished) {
		_, err := s.MarkCompleted(ctx, it.ID, finished)
		require.NoError(t, err)
	}

	keep, err := s.EnqueueItem(ctx, queue.ItemRequest{SourceReference: "still-pending"})
	require.NoError(t, err)

	n, err := s.PurgeTerminal(ctx, now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.GetBatch(ctx, b.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = s.GetItem(ctx, keep.ID)
	assert.NoError(t, err)
}
