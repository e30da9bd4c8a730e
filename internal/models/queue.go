// Package models defines data structures for the ingestion queue.
package models

import (
	"slices"
	"time"
)

// Status is the lifecycle state shared by batches and queue items.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether a batch in this status is finished.
// For items, failed is only terminal once escalated; see QueueItem.Terminal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrorClass is the best-effort classification of an ingestion failure.
type ErrorClass string

const (
	ErrorNetwork   ErrorClass = "network"
	ErrorRateLimit ErrorClass = "rate_limit"
	ErrorParse     ErrorClass = "parse_error"
	ErrorTimeout   ErrorClass = "timeout"
	ErrorOther     ErrorClass = "other"
)

// Valid reports whether c is a known classification.
func (c ErrorClass) Valid() bool {
	switch c {
	case ErrorNetwork, ErrorRateLimit, ErrorParse, ErrorTimeout, ErrorOther:
		return true
	}
	return false
}

const (
	// DefaultPriority sits in the middle of the 0-100 range.
	DefaultPriority = 50
	// DefaultMaxRetries is used when neither the request nor config set one.
	DefaultMaxRetries = 3
)

// Batch groups queue items submitted together and tracks their roll-up.
type Batch struct {
	ID             string         `json:"id"`
	TotalItems     int            `json:"total_items"`
	CompletedCount int            `json:"completed_count"`
	FailedCount    int            `json:"failed_count"`
	Status         Status         `json:"status"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// QueueItem is a single source waiting for, undergoing, or done with ingestion.
type QueueItem struct {
	ID                  string         `json:"id"`
	BatchID             *string        `json:"batch_id,omitempty"`
	SourceReference     string         `json:"source_reference"`
	Status              Status         `json:"status"`
	Priority            int            `json:"priority"`
	RetryCount          int            `json:"retry_count"`
	MaxRetries          int            `json:"max_retries"`
	ErrorClassification *ErrorClass    `json:"error_classification,omitempty"`
	ErrorDetail         map[string]any `json:"error_detail,omitempty"`
	RequiresHumanReview bool           `json:"requires_human_review"`
	CreatedAt           time.Time      `json:"created_at"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	LastRetryAt         *time.Time     `json:"last_retry_at,omitempty"`
	NextRetryAt         *time.Time     `json:"next_retry_at,omitempty"`
}

// Terminal reports whether no automatic transition will ever touch the item again.
func (q *QueueItem) Terminal() bool {
	switch q.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return q.RequiresHumanReview
	}
	return false
}

// Claimable reports whether the scheduler may claim the item at now.
func (q *QueueItem) Claimable(now time.Time) bool {
	switch q.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return !q.RequiresHumanReview &&
			q.RetryCount < q.MaxRetries &&
			q.NextRetryAt != nil &&
			!q.NextRetryAt.After(now)
	}
	return false
}

// BatchIDValue returns the batch ID or "" for standalone items.
func (q *QueueItem) BatchIDValue() string {
	if q.BatchID == nil {
		return ""
	}
	return *q.BatchID
}

// DispatchOrder compares items by priority desc, created_at asc, id asc.
func DispatchOrder(a, b QueueItem) int {
	if a.Priority != b.Priority {
		return b.Priority - a.Priority
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// SortForDispatch orders items in place by DispatchOrder.
func SortForDispatch(items []QueueItem) {
	slices.SortStableFunc(items, DispatchOrder)
}

// Failure describes how a running item failed and what happens next.
// Exactly one of Escalate or NextRetryAt applies.
type Failure struct {
	Class       ErrorClass
	Detail      map[string]any
	Escalate    bool
	NextRetryAt time.Time
	At          time.Time
}
