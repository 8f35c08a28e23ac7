package events

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, bus *InMemoryBus, types ...string) (func() []Event, func()) {
	t.Helper()
	var mu sync.Mutex
	got := []Event{}
	cancel := bus.Subscribe(func(event Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event)
	}, types...)
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), got...)
	}, cancel
}

func eventTypes(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, event := range events {
		out = append(out, event.Type)
	}
	return out
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := New()
	transitions, _ := collect(t, bus, EventTypeStateTransition)
	verdicts, _ := collect(t, bus, EventTypeVerdict, EventTypeStaleRestart)
	everything, _ := collect(t, bus)

	bus.Publish(Event{Type: EventTypeAttemptStarted, EntityType: "attempt", EntityID: "att-1"})
	bus.Publish(Event{Type: EventTypeStateTransition, EntityID: "att-1", Payload: TransitionPayload{From: "not_started", To: "starting"}})
	bus.Publish(Event{Type: EventTypeStaleRestart, EntityID: "att-1"})
	bus.Publish(Event{Type: EventTypeVerdict, EntityID: "att-1", Payload: VerdictPayload{Operation: "login"}})
	bus.Close()

	assert.Equal(t, []string{EventTypeStateTransition}, eventTypes(transitions()))
	assert.Equal(t, []string{EventTypeStaleRestart, EventTypeVerdict}, eventTypes(verdicts()))
	assert.Equal(t, []string{EventTypeAttemptStarted, EventTypeStateTransition, EventTypeStaleRestart, EventTypeVerdict}, eventTypes(everything()))
	payload, ok := transitions()[0].Payload.(TransitionPayload)
	require.True(t, ok)
	assert.Equal(t, "starting", payload.To)
}

func TestPublishStampsMissingTimestamp(t *testing.T) {
	bus := New()
	got, _ := collect(t, bus)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	before := time.Now().UTC()
	bus.Publish(Event{Type: EventTypeVerdict})
	bus.Publish(Event{Type: EventTypeVerdict, Timestamp: fixed})
	bus.Close()

	events := got()
	require.Len(t, events, 2)
	assert.False(t, events[0].Timestamp.Before(before))
	assert.Equal(t, fixed, events[1].Timestamp)
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	var logs bytes.Buffer
	bus := New(WithBufferSize(1), WithLogger(log.New(&logs)))
	release := make(chan struct{})
	var handled atomic.Int64
	bus.SubscribeAll(func(Event) {
		<-release
		handled.Add(1)
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			bus.Publish(Event{Type: EventTypeStateTransition, EntityID: "att-slow"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
	bus.Close()

	assert.GreaterOrEqual(t, bus.Dropped(), uint64(18))
	assert.Equal(t, int64(20), handled.Load()+int64(bus.Dropped()))
	assert.True(t, strings.Contains(logs.String(), "event dropped"), logs.String())
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := New()
	got, cancel := collect(t, bus)

	bus.Publish(Event{Type: EventTypeAttemptStarted})
	cancel()
	cancel()
	bus.Publish(Event{Type: EventTypeVerdict})
	bus.Close()

	assert.Equal(t, []string{EventTypeAttemptStarted}, eventTypes(got()))
}

func TestCloseDrainsQueuedEventsAndIgnoresLaterOnes(t *testing.T) {
	bus := New()
	var handled atomic.Int64
	bus.SubscribeAll(func(Event) {
		time.Sleep(5 * time.Millisecond)
		handled.Add(1)
	})

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventTypeStateTransition, EntityID: "att-close"})
	}
	bus.Close()
	assert.Equal(t, int64(5), handled.Load())

	bus.Publish(Event{Type: EventTypeVerdict})
	bus.Subscribe(func(Event) { t.Error("subscriber registered after close ran") })
	bus.Close()
	assert.Equal(t, int64(5), handled.Load())
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := New(WithBufferSize(1000))
	var received atomic.Int64
	bus.SubscribeAll(func(Event) { received.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				bus.Publish(Event{Type: EventTypeStateTransition})
			}
		}()
		go func() {
			defer wg.Done()
			bus.Subscribe(func(Event) {}, EventTypeVerdict)
		}()
	}
	wg.Wait()
	bus.Close()

	assert.Equal(t, int64(200), received.Load())
}
