package models

import (
	"slices"
	"testing"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestNormalizeSourceRefs(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"passthrough", []string{"a", "b"}, []string{"a", "b"}},
		{"trims", []string{"  https://x.io ", "b"}, []string{"https://x.io", "b"}},
		{"drops empty", []string{"", "  ", "a"}, []string{"a"}},
		{"dedupes keeping order", []string{"b", "a", "b", "a"}, []string{"b", "a"}},
		{"nil", nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeSourceRefs(tt.in)
			if !slices.Equal(got, tt.want) {
				t.Errorf("NormalizeSourceRefs(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRecordIDString(t *testing.T) {
	s, err := RecordIDString(surrealmodels.NewRecordID("queue_item", "abc"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != "abc" {
		t.Errorf("got %q, want abc", s)
	}

	if _, err := RecordIDString(surrealmodels.NewRecordID("queue_item", 42)); err == nil {
		t.Error("expected error for non-string ID")
	}
}

func TestClaimable(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		item QueueItem
		want bool
	}{
		{"pending", QueueItem{Status: StatusPending, MaxRetries: 3}, true},
		{"running", QueueItem{Status: StatusRunning, MaxRetries: 3}, false},
		{"completed", QueueItem{Status: StatusCompleted, MaxRetries: 3}, false},
		{"cancelled", QueueItem{Status: StatusCancelled, MaxRetries: 3}, false},
		{"failed due", QueueItem{Status: StatusFailed, RetryCount: 1, MaxRetries: 3, NextRetryAt: &past}, true},
		{"failed due exactly now", QueueItem{Status: StatusFailed, MaxRetries: 3, NextRetryAt: &now}, true},
		{"failed not yet due", QueueItem{Status: StatusFailed, MaxRetries: 3, NextRetryAt: &future}, false},
		{"failed without schedule", QueueItem{Status: StatusFailed, MaxRetries: 3}, false},
		{"escalated", QueueItem{Status: StatusFailed, RetryCount: 3, MaxRetries: 3, RequiresHumanReview: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.Claimable(now); got != tt.want {
				t.Errorf("Claimable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSortForDispatch(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []QueueItem{
		{ID: "low-old", Priority: 10, CreatedAt: base},
		{ID: "high-new", Priority: 90, CreatedAt: base.Add(2 * time.Second)},
		{ID: "high-old", Priority: 90, CreatedAt: base.Add(time.Second)},
		{ID: "mid", Priority: 50, CreatedAt: base},
	}

	SortForDispatch(items)

	got := make([]string, len(items))
	for i, it := range items {
		got[i] = it.ID
	}
	want := []string{"high-old", "high-new", "mid", "low-old"}
	if !slices.Equal(got, want) {
		t.Errorf("dispatch order = %v, want %v", got, want)
	}
}

func TestItemTerminal(t *testing.T) {
	if (&QueueItem{Status: StatusFailed}).Terminal() {
		t.Error("failed item awaiting retry must not be terminal")
	}
	if !(&QueueItem{Status: StatusFailed, RequiresHumanReview: true}).Terminal() {
		t.Error("escalated item must be terminal")
	}
	if !(&QueueItem{Status: StatusCancelled}).Terminal() {
		t.Error("cancelled item must be terminal")
	}
}
