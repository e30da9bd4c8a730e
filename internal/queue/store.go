// Package queue implements the crawl/ingestion work queue: the store contract,
// the batch aggregator, the scheduler that claims and dispatches items, and the
// human review surface.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

// Sentinel errors returned by Store implementations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound indicates the requested item or batch does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates the requested transition is not allowed from
	// the item's current status.
	ErrInvalidState = errors.New("invalid state")

	// ErrEmptyBatch indicates an enqueue request carried no usable source references.
	ErrEmptyBatch = errors.New("no source references given")

	// ErrInvalidRequest indicates an out-of-range priority or retry budget.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStoreUnavailable is returned by the scheduler when the store cannot be
	// reached after retries. The scheduler stops claiming when it sees it.
	ErrStoreUnavailable = errors.New("queue store unavailable")
)

const (
	// DefaultListLimit applies when ListFilter.Limit is zero.
	DefaultListLimit = 100
	// MaxListLimit caps ListFilter.Limit.
	MaxListLimit = 1000

	MinPriority = 0
	MaxPriority = 100
)

// EnqueueRequest describes a batch submission.
type EnqueueRequest struct {
	SourceReferences []string
	// Priorities overrides DefaultPriority per source reference.
	Priorities map[string]int
	// DefaultPriority defaults to models.DefaultPriority when nil.
	DefaultPriority *int
	// MaxRetries defaults to models.DefaultMaxRetries when nil. Zero means the
	// first failure goes straight to human review.
	MaxRetries *int
	CreatedBy  string
	Metadata   map[string]any
}

// Prepare normalizes the source references and resolves the per-reference
// priority and the retry budget. Every backend calls it before writing.
func (r EnqueueRequest) Prepare() ([]string, map[string]int, int, error) {
	refs := models.NormalizeSourceRefs(r.SourceReferences)
	if len(refs) == 0 {
		return nil, nil, 0, ErrEmptyBatch
	}

	maxRetries, err := resolveMaxRetries(r.MaxRetries)
	if err != nil {
		return nil, nil, 0, err
	}

	def := models.DefaultPriority
	if r.DefaultPriority != nil {
		def = *r.DefaultPriority
	}
	priorities := make(map[string]int, len(refs))
	for _, ref := range refs {
		p, ok := r.Priorities[ref]
		if !ok {
			p = def
		}
		if p < MinPriority || p > MaxPriority {
			return nil, nil, 0, fmt.Errorf("%w: priority %d for %q outside %d-%d", ErrInvalidRequest, p, ref, MinPriority, MaxPriority)
		}
		priorities[ref] = p
	}
	return refs, priorities, maxRetries, nil
}

// MemberCreatedAt spaces the created_at of the i-th batch member one
// microsecond after the previous one so submission order survives as the
// created_at tie-breaker.
func MemberCreatedAt(base time.Time, i int) time.Time {
	return base.Add(time.Duration(i) * time.Microsecond)
}

// ItemRequest describes a standalone item outside any batch.
type ItemRequest struct {
	SourceReference string
	// Priority defaults to models.DefaultPriority when nil.
	Priority *int
	// MaxRetries defaults to models.DefaultMaxRetries when nil.
	MaxRetries *int
}

// Prepare validates the request and returns the trimmed reference, priority
// and retry budget.
func (r ItemRequest) Prepare() (string, int, int, error) {
	refs := models.NormalizeSourceRefs([]string{r.SourceReference})
	if len(refs) == 0 {
		return "", 0, 0, ErrEmptyBatch
	}
	priority := models.DefaultPriority
	if r.Priority != nil {
		priority = *r.Priority
	}
	if priority < MinPriority || priority > MaxPriority {
		return "", 0, 0, fmt.Errorf("%w: priority %d outside %d-%d", ErrInvalidRequest, priority, MinPriority, MaxPriority)
	}
	maxRetries, err := resolveMaxRetries(r.MaxRetries)
	if err != nil {
		return "", 0, 0, err
	}
	return refs[0], priority, maxRetries, nil
}

func resolveMaxRetries(n *int) (int, error) {
	if n == nil {
		return models.DefaultMaxRetries, nil
	}
	if *n < 0 {
		return 0, fmt.Errorf("%w: max_retries must not be negative, got %d", ErrInvalidRequest, *n)
	}
	return *n, nil
}

// ListFilter narrows ListItems. Nil fields are not filtered on.
type ListFilter struct {
	Status              *models.Status
	RequiresHumanReview *bool
	Limit               int
	// OldestFirst orders by created_at asc only instead of priority desc, created_at asc.
	OldestFirst bool
}

// EffectiveLimit applies the default and the cap.
func (f ListFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}

// Store is the durable owner of batch and item rows. All state transitions go
// through single atomic conditional updates; callers never hold authoritative
// state in memory.
type Store interface {
	// EnqueueBatch creates one batch and one pending item per distinct source reference.
	EnqueueBatch(ctx context.Context, req EnqueueRequest) (*models.Batch, error)
	// EnqueueItem creates a pending item that belongs to no batch.
	EnqueueItem(ctx context.Context, req ItemRequest) (*models.QueueItem, error)

	ListItems(ctx context.Context, filter ListFilter) ([]models.QueueItem, error)
	GetItem(ctx context.Context, id string) (*models.QueueItem, error)
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	CountRunning(ctx context.Context) (int, error)

	// ClaimNext atomically moves up to n eligible items to running and returns
	// them in dispatch order. Two concurrent callers never receive the same item.
	ClaimNext(ctx context.Context, n int, now time.Time) ([]models.QueueItem, error)

	// MarkCompleted and MarkFailed transition an item out of running. They
	// report applied=false without error when the item is no longer running,
	// e.g. because it was cancelled while the job was in flight.
	MarkCompleted(ctx context.Context, id string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, f models.Failure) (bool, error)

	// ManualRetry resets a failed item to pending with a fresh retry budget.
	ManualRetry(ctx context.Context, id string) error
	// CancelItem cancels a pending, running or failed item.
	CancelItem(ctx context.Context, id string) error
	// CancelBatch cancels every non-terminal member and the batch itself.
	CancelBatch(ctx context.Context, id string) error

	// ListStale returns running items started before the given time.
	ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]models.QueueItem, error)
	// PurgeTerminal deletes terminal items (and their finished batches) that
	// finished before the given time. Used by the external retention sweep.
	PurgeTerminal(ctx context.Context, finishedBefore time.Time) (int, error)
}

// Cancellable reports whether an item in status s may be cancelled.
func Cancellable(s models.Status) bool {
	switch s {
	case models.StatusPending, models.StatusRunning, models.StatusFailed:
		return true
	}
	return false
}
