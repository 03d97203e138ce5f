package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_SubscribeByType(t *testing.T) {
	bus := NewEventBus()

	var wg sync.WaitGroup
	wg.Add(1)
	var got Event
	bus.Subscribe(EventStopTriggered, func(e Event) {
		got = e
		wg.Done()
	})

	bus.Publish(Event{Type: EventDecisionMade})
	bus.Publish(Event{Type: EventStopTriggered, Data: map[string]interface{}{"id": "s1"}})

	waitOrFail(t, &wg)
	assert.Equal(t, EventStopTriggered, got.Type)
	assert.Equal(t, "s1", got.Data["id"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestEventBus_Channel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Channel(4, EventStopResolved)

	bus.Publish(Event{Type: EventStopTriggered})
	bus.Publish(Event{Type: EventStopResolved})

	select {
	case e := <-ch:
		assert.Equal(t, EventStopResolved, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event on channel")
	}
}

func TestEventBus_ChannelAll(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Channel(8)

	bus.Publish(New(EventSourceDegraded, map[string]interface{}{"source": "ML", "error": errors.New("timeout").Error()}))

	select {
	case e := <-ch:
		require.Equal(t, EventSourceDegraded, e.Type)
		assert.Equal(t, "timeout", e.Data["error"])
	case <-time.After(time.Second):
		t.Fatal("expected event on channel")
	}
}

func TestOrNop(t *testing.T) {
	assert.IsType(t, Nop{}, OrNop(nil))
	bus := NewEventBus()
	assert.Same(t, bus, OrNop(bus))
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber")
	}
}
