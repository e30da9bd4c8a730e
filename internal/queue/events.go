package queue

import (
	"sync"
	"time"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

// EventType names a queue transition.
type EventType string

const (
	EventEnqueued       EventType = "enqueued"
	EventClaimed        EventType = "claimed"
	EventCompleted      EventType = "completed"
	EventRetryScheduled EventType = "retry_scheduled"
	EventEscalated      EventType = "escalated"
	EventCancelled      EventType = "cancelled"
	EventManualRetry    EventType = "manual_retry"
	EventBatchCancelled EventType = "batch_cancelled"
)

// Event describes one transition for observers such as the websocket stream.
type Event struct {
	Type      EventType          `json:"type"`
	ItemID    string             `json:"item_id,omitempty"`
	BatchID   string             `json:"batch_id,omitempty"`
	Source    string             `json:"source_reference,omitempty"`
	Class     *models.ErrorClass `json:"error_classification,omitempty"`
	Retry     int                `json:"retry_count"`
	Timestamp time.Time          `json:"timestamp"`
}

// Bus is a non-blocking publish/subscribe fan-out of queue events.
// If a subscriber's channel is full, the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel of events and a function that unsubscribes and
// closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.bufferSize)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
		})
	}
}

// Publish delivers e to every subscriber without blocking.
// A nil bus is valid and drops everything.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

func itemEvent(t EventType, item *models.QueueItem) Event {
	return Event{
		Type:    t,
		ItemID:  item.ID,
		BatchID: item.BatchIDValue(),
		Source:  item.SourceReference,
		Class:   item.ErrorClassification,
		Retry:   item.RetryCount,
	}
}
