// Package queuetest provides an in-memory queue.Store for tests.
package queuetest

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// MemStore is a queue.Store kept in process memory behind a single mutex.
// It follows the same transition rules as the database backends.
type MemStore struct {
	mu      sync.Mutex
	items   map[string]*models.QueueItem
	batches map[string]*models.Batch
	now     func() time.Time
	last    time.Time

	claimErr error
}

var _ queue.Store = (*MemStore)(nil)

// NewMemStore creates an empty store using the wall clock for created_at.
func NewMemStore() *MemStore {
	return &MemStore{
		items:   make(map[string]*models.QueueItem),
		batches: make(map[string]*models.Batch),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used for created_at.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetClaimError makes ClaimNext and CountRunning fail with err until reset with nil.
func (m *MemStore) SetClaimError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimErr = err
}

// Put stores a copy of item as-is, bypassing the state machine.
func (m *MemStore) Put(item models.QueueItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = &item
}

// createdAt returns strictly increasing timestamps so insertion order is
// preserved among equal priorities.
func (m *MemStore) createdAt() time.Time {
	t := m.now()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

func (m *MemStore) EnqueueBatch(_ context.Context, req queue.EnqueueRequest) (*models.Batch, error) {
	refs, priorities, maxRetries, err := req.Prepare()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := &models.Batch{
		ID:         uuid.New().String(),
		TotalItems: len(refs),
		Status:     models.StatusPending,
		CreatedBy:  req.CreatedBy,
		CreatedAt:  m.createdAt(),
		Metadata:   maps.Clone(req.Metadata),
	}
	m.batches[b.ID] = b

	for _, ref := range refs {
		id := uuid.New().String()
		m.items[id] = &models.QueueItem{
			ID:              id,
			BatchID:         models.Ptr(b.ID),
			SourceReference: ref,
			Status:          models.StatusPending,
			Priority:        priorities[ref],
			MaxRetries:      maxRetries,
			CreatedAt:       m.createdAt(),
		}
	}

	out := *b
	return &out, nil
}

func (m *MemStore) EnqueueItem(_ context.Context, req queue.ItemRequest) (*models.QueueItem, error) {
	ref, priority, maxRetries, err := req.Prepare()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	item := &models.QueueItem{
		ID:              uuid.New().String(),
		SourceReference: ref,
		Status:          models.StatusPending,
		Priority:        priority,
		MaxRetries:      maxRetries,
		CreatedAt:       m.createdAt(),
	}
	m.items[item.ID] = item
	return cloneItem(item), nil
}

func (m *MemStore) ListItems(_ context.Context, filter queue.ListFilter) ([]models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.QueueItem{}
	for _, it := range m.items {
		if filter.Status != nil && it.Status != *filter.Status {
			continue
		}
		if filter.RequiresHumanReview != nil && it.RequiresHumanReview != *filter.RequiresHumanReview {
			continue
		}
		out = append(out, *cloneItem(it))
	}

	if filter.OldestFirst {
		slices.SortFunc(out, func(a, b models.QueueItem) int {
			return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
		})
	} else {
		models.SortForDispatch(out)
	}

	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) GetItem(_ context.Context, id string) (*models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return cloneItem(it), nil
}

func (m *MemStore) GetBatch(_ context.Context, id string) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	out := *b
	return &out, nil
}

func (m *MemStore) CountRunning(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claimErr != nil {
		return 0, m.claimErr
	}
	n := 0
	for _, it := range m.items {
		if it.Status == models.StatusRunning {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) ClaimNext(_ context.Context, n int, now time.Time) ([]models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claimErr != nil {
		return nil, m.claimErr
	}
	if n <= 0 {
		return []models.QueueItem{}, nil
	}

	eligible := []models.QueueItem{}
	for _, it := range m.items {
		if it.Claimable(now) {
			eligible = append(eligible, *it)
		}
	}
	models.SortForDispatch(eligible)
	if len(eligible) > n {
		eligible = eligible[:n]
	}

	claimed := make([]models.QueueItem, 0, len(eligible))
	for _, e := range eligible {
		it := m.items[e.ID]
		if it.Status == models.StatusFailed {
			it.RetryCount++
		}
		it.Status = models.StatusRunning
		it.StartedAt = models.Ptr(now)
		it.NextRetryAt = nil
		it.CompletedAt = nil

		if b := m.batchOf(it); b != nil {
			*b = queue.MarkStarted(*b, now)
		}
		claimed = append(claimed, *cloneItem(it))
	}
	return claimed, nil
}

func (m *MemStore) MarkCompleted(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return false, queue.ErrNotFound
	}
	if it.Status != models.StatusRunning {
		return false, nil
	}

	it.Status = models.StatusCompleted
	it.CompletedAt = models.Ptr(now)
	if b := m.batchOf(it); b != nil {
		*b = queue.Record(*b, queue.OutcomeCompleted, now)
	}
	return true, nil
}

func (m *MemStore) MarkFailed(_ context.Context, id string, f models.Failure) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return false, queue.ErrNotFound
	}
	if it.Status != models.StatusRunning {
		return false, nil
	}

	it.Status = models.StatusFailed
	it.ErrorClassification = models.Ptr(f.Class)
	it.ErrorDetail = maps.Clone(f.Detail)

	if f.Escalate {
		it.RequiresHumanReview = true
		it.RetryCount = it.MaxRetries
		it.NextRetryAt = nil
		it.CompletedAt = models.Ptr(f.At)
		if b := m.batchOf(it); b != nil {
			*b = queue.Record(*b, queue.OutcomeFailed, f.At)
		}
		return true, nil
	}

	it.NextRetryAt = models.Ptr(f.NextRetryAt)
	it.LastRetryAt = models.Ptr(f.At)
	return true, nil
}

func (m *MemStore) ManualRetry(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return queue.ErrNotFound
	}
	if it.Status != models.StatusFailed {
		return queue.ErrInvalidState
	}
	if b := m.batchOf(it); b != nil && b.Status == models.StatusCancelled {
		return queue.ErrInvalidState
	}

	escalated := it.RequiresHumanReview
	it.Status = models.StatusPending
	it.RetryCount = 0
	it.RequiresHumanReview = false
	it.NextRetryAt = nil
	it.StartedAt = nil
	it.CompletedAt = nil

	if b := m.batchOf(it); b != nil && escalated {
		*b = queue.Record(*b, queue.OutcomeReopened, m.now())
	}
	return nil
}

func (m *MemStore) CancelItem(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return queue.ErrNotFound
	}
	if !queue.Cancellable(it.Status) {
		return queue.ErrInvalidState
	}
	m.cancel(it, m.now())
	return nil
}

// cancel marks it cancelled and counts it as a batch failure unless the
// escalation already did. Caller holds the lock.
func (m *MemStore) cancel(it *models.QueueItem, now time.Time) {
	counted := it.Status == models.StatusFailed && it.RequiresHumanReview

	it.Status = models.StatusCancelled
	it.RequiresHumanReview = false
	it.NextRetryAt = nil
	it.CompletedAt = models.Ptr(now)

	if b := m.batchOf(it); b != nil && !counted {
		*b = queue.Record(*b, queue.OutcomeFailed, now)
	}
}

func (m *MemStore) CancelBatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return queue.ErrNotFound
	}
	if b.Status.Terminal() {
		return queue.ErrInvalidState
	}

	now := m.now()
	for _, it := range m.items {
		if it.BatchIDValue() == id && !it.Terminal() {
			m.cancel(it, now)
		}
	}
	b.Status = models.StatusCancelled
	b.CompletedAt = models.Ptr(now)
	return nil
}

func (m *MemStore) ListStale(_ context.Context, startedBefore time.Time, limit int) ([]models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.QueueItem{}
	for _, it := range m.items {
		if it.Status == models.StatusRunning && it.StartedAt != nil && it.StartedAt.Before(startedBefore) {
			out = append(out, *cloneItem(it))
		}
	}
	slices.SortFunc(out, func(a, b models.QueueItem) int {
		return a.StartedAt.Compare(*b.StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) PurgeTerminal(_ context.Context, finishedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, it := range m.items {
		if it.Terminal() && it.CompletedAt != nil && it.CompletedAt.Before(finishedBefore) {
			delete(m.items, id)
			purged++
		}
	}

	for id, b := range m.batches {
		if !b.Status.Terminal() || b.CompletedAt == nil || !b.CompletedAt.Before(finishedBefore) {
			continue
		}
		if !m.hasMembers(id) {
			delete(m.batches, id)
		}
	}
	return purged, nil
}

func (m *MemStore) hasMembers(batchID string) bool {
	for _, it := range m.items {
		if it.BatchIDValue() == batchID {
			return true
		}
	}
	return false
}

func (m *MemStore) batchOf(it *models.QueueItem) *models.Batch {
	if it.BatchID == nil {
		return nil
	}
	return m.batches[*it.BatchID]
}

func cloneItem(it *models.QueueItem) *models.QueueItem {
	out := *it
	out.ErrorDetail = maps.Clone(it.ErrorDetail)
	return &out
}
