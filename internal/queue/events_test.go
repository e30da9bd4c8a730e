package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

func TestBusFanOut(t *testing.T) {
	bus := queue.NewBus(4)
	a, unsubA := bus.Subscribe()
	b, unsubB := bus.Subscribe()
	defer unsubB()

	bus.Publish(queue.Event{Type: queue.EventEnqueued, BatchID: "b1"})

	got := <-a
	assert.Equal(t, queue.EventEnqueued, got.Type)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "b1", (<-b).BatchID)

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)

	bus.Publish(queue.Event{Type: queue.EventCompleted})
	assert.Equal(t, queue.EventCompleted, (<-b).Type)
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := queue.NewBus(1)
	ch, unsub := bus.Subscribe()
	defer unsub()

	bus.Publish(queue.Event{Type: queue.EventClaimed})
	bus.Publish(queue.Event{Type: queue.EventCompleted})

	require.Len(t, ch, 1)
	assert.Equal(t, queue.EventClaimed, (<-ch).Type)
}

func TestNilBusIgnoresPublish(t *testing.T) {
	var bus *queue.Bus
	assert.NotPanics(t, func() { bus.Publish(queue.Event{Type: queue.EventClaimed}) })
}

func TestBusClose(t *testing.T) {
	bus := queue.NewBus(1)
	ch, unsub := bus.Subscribe()
	bus.Close()

	_, open := <-ch
	assert.False(t, open)
	assert.NotPanics(t, unsub)
}
