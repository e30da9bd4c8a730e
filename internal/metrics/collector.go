// Package metrics provides in-memory runtime statistics and Prometheus
// instruments for the ingestion queue.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Errors    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Errors      int64   `json:"errors"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot represents the scheduler statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	Claim         *OperationSnapshot `json:"claim,omitempty"`
	Execute       *OperationSnapshot `json:"execute,omitempty"`
	StoreWrite    *OperationSnapshot `json:"store_write,omitempty"`
	Outcomes      map[string]int64   `json:"outcomes"`
	InFlight      int64              `json:"in_flight"`
}

// Operation names for the collector.
const (
	OpClaim      = "claim"
	OpExecute    = "execute"
	OpStoreWrite = "store_write"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe. A nil *Collector ignores all calls.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	outcomes  map[string]int64
	inFlight  int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		outcomes:  make(map[string]int64),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation; failed marks it as an error.
func (c *Collector) RecordTiming(op string, duration time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	if failed {
		m.Errors++
	}
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordOutcome counts an item transition (completed, retry_scheduled, ...).
func (c *Collector) RecordOutcome(outcome string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.outcomes[outcome]++
	c.mu.Unlock()
	ItemOutcomes.WithLabelValues(outcome).Inc()
}

// AddInFlight adjusts the number of jobs currently executing in this process.
func (c *Collector) AddInFlight(delta int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.inFlight += delta
	v := c.inFlight
	c.mu.Unlock()
	JobsInFlight.Set(float64(v))
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	return &OperationSnapshot{
		Count:       m.Count,
		Errors:      m.Errors,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	outcomes := make(map[string]int64, len(c.outcomes))
	for k, v := range c.outcomes {
		outcomes[k] = v
	}

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Claim:         snapshotOp(c.ops[OpClaim]),
		Execute:       snapshotOp(c.ops[OpExecute]),
		StoreWrite:    snapshotOp(c.ops[OpStoreWrite]),
		Outcomes:      outcomes,
		InFlight:      c.inFlight,
	}
}
