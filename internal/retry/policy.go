// Package retry decides what happens to a queue item after a failed attempt.
package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

// DefaultDelays is the backoff table used when none is configured:
// 1st retry after 1m, 2nd after 5m, 3rd after 15m.
var DefaultDelays = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

// Policy maps a failure to its next eligible time using a fixed backoff table.
// The error classification is recorded but does not change the schedule.
type Policy struct {
	Delays []time.Duration
}

// Decision is the outcome of Decide.
type Decision struct {
	// Escalate is true when the retry budget is spent and the item goes to human review.
	Escalate bool
	// Attempt is the retry number the requeued item will run as (1-based).
	Attempt int
	Delay   time.Duration
	// RequeueAt is when the item becomes claimable again. Zero when escalating.
	RequeueAt time.Time
}

// NewPolicy validates the table and returns a policy.
func NewPolicy(delays []time.Duration) (Policy, error) {
	if len(delays) == 0 {
		return Policy{}, errors.New("retry delay table is empty")
	}
	for i, d := range delays {
		if d <= 0 {
			return Policy{}, fmt.Errorf("retry delay %d must be positive, got %s", i+1, d)
		}
		if i > 0 && d < delays[i-1] {
			return Policy{}, fmt.Errorf("retry delays must be non-decreasing: %s after %s", d, delays[i-1])
		}
	}
	return Policy{Delays: append([]time.Duration(nil), delays...)}, nil
}

// Default returns a policy with DefaultDelays.
func Default() Policy {
	return Policy{Delays: append([]time.Duration(nil), DefaultDelays...)}
}

// Covers reports whether the table has a delay for every retry up to maxRetries.
func (p Policy) Covers(maxRetries int) bool {
	return len(p.Delays) >= maxRetries
}

// Decide returns whether an item that just failed with retryCount retries
// already used should be escalated or requeued. class does not currently
// affect the schedule.
func (p Policy) Decide(retryCount, maxRetries int, class models.ErrorClass, now time.Time) Decision {
	if retryCount >= maxRetries {
		return Decision{Escalate: true}
	}

	attempt := retryCount + 1
	delay := p.delayFor(attempt)
	return Decision{
		Attempt:   attempt,
		Delay:     delay,
		RequeueAt: now.Add(delay),
	}
}

// delayFor returns the delay before the given 1-based retry, reusing the last
// entry when a per-item max_retries outgrows the table.
func (p Policy) delayFor(attempt int) time.Duration {
	delays := p.Delays
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	if attempt > len(delays) {
		return delays[len(delays)-1]
	}
	return delays[attempt-1]
}

// Failure builds the persisted failure record for a decision.
func (d Decision) Failure(class models.ErrorClass, detail map[string]any, now time.Time) models.Failure {
	return models.Failure{
		Class:       class,
		Detail:      detail,
		Escalate:    d.Escalate,
		NextRetryAt: d.RequeueAt,
		At:          now,
	}
}
