package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(testLogger())

	ch, unsub := bus.Subscribe("job-1")
	defer unsub()

	bus.Publish(Event{JobID: "job-1", Type: EventTypeProgress, Data: `{"progress":10}`})

	evt := <-ch
	assert.Equal(t, EventTypeProgress, evt.Type)
	assert.Equal(t, `{"progress":10}`, evt.Data)
}

func TestEventBus_IsolatedPerJob(t *testing.T) {
	bus := NewEventBus(testLogger())

	ch1, unsub1 := bus.Subscribe("job-1")
	defer unsub1()
	ch2, unsub2 := bus.Subscribe("job-2")
	defer unsub2()

	bus.Publish(Event{JobID: "job-1", Type: EventTypeResult})

	require.Len(t, ch1, 1)
	assert.Len(t, ch2, 0)
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(testLogger())

	ch, unsub := bus.Subscribe("job-1")
	unsub()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{JobID: "job-1", Type: EventTypeProgress})
}

func TestEventBus_NoSubscribersIsNoop(t *testing.T) {
	bus := NewEventBus(testLogger())
	bus.Publish(Event{JobID: "job-x", Type: EventTypeProgress})
}

func TestEventBus_SlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewEventBus(testLogger())

	ch, unsub := bus.Subscribe("job-1")
	defer unsub()

	// Overfill the buffered channel; Publish must never block.
	for i := 0; i < 150; i++ {
		bus.Publish(Event{JobID: "job-1", Type: EventTypeProgress})
	}
	assert.Len(t, ch, 100)
}
