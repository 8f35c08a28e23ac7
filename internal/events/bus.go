// Package events carries attempt lifecycle notifications from the
// authenticator to in-process observers such as the --verbose stream.
// Delivery is asynchronous and never blocks the publisher: a subscriber whose
// queue is full loses the event.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/connectauth/connectauth/internal/logging"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 100

// Event types.
const (
	EventTypeAttemptStarted  = "AttemptStarted"
	EventTypeStateTransition = "StateTransition"
	EventTypeStaleRestart    = "StaleRestart"
	EventTypeVerdict         = "Verdict"
	EventTypeDownstreamExit  = "DownstreamExit"
)

// Severities.
const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// TransitionPayload describes one accepted session phase change.
type TransitionPayload struct {
	From   string
	To     string
	Reason string
}

// VerdictPayload describes how an attempt ended. Kind is empty on success.
type VerdictPayload struct {
	Operation string
	Phase     string
	Kind      string
	Message   string
	Duration  time.Duration
}

// Event is one notification. EntityType is "attempt" and EntityID the
// attempt id for everything the authenticator publishes.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Handler consumes events on the subscriber's own goroutine.
type Handler func(Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(event Event)
}

// Option customizes New.
type Option func(*InMemoryBus)

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(size int) Option {
	return func(b *InMemoryBus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithLogger receives a warning for every dropped event.
func WithLogger(logger *log.Logger) Option {
	return func(b *InMemoryBus) {
		b.logger = logging.OrDiscard(logger)
	}
}

// InMemoryBus fans events out to subscribers.
type InMemoryBus struct {
	mu         sync.RWMutex
	bufferSize int
	logger     *log.Logger
	subs       map[uint64]*subscription
	nextID     uint64
	closed     bool
	running    sync.WaitGroup
	dropped    atomic.Uint64
}

type subscription struct {
	id    uint64
	types map[string]bool
	queue chan Event
}

func (s *subscription) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// New builds an open bus.
func New(options ...Option) *InMemoryBus {
	b := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     logging.Discard(),
		subs:       map[uint64]*subscription{},
	}
	for _, option := range options {
		option(b)
	}
	return b
}

// Subscribe runs handler for events of the listed types, or for every event
// when none are listed. The returned func stops delivery after the queued
// events are handled. Subscribing to a closed bus is a no-op.
func (b *InMemoryBus) Subscribe(handler Handler, types ...string) (cancel func()) {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	sub := &subscription{id: b.nextID, queue: make(chan Event, b.bufferSize)}
	if len(types) > 0 {
		sub.types = map[string]bool{}
		for _, eventType := range types {
			sub.types[eventType] = true
		}
	}
	b.subs[sub.id] = sub
	b.running.Add(1)
	go func() {
		defer b.running.Done()
		for event := range sub.queue {
			handler(event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

// SubscribeAll runs handler for every event.
func (b *InMemoryBus) SubscribeAll(handler Handler) (cancel func()) {
	return b.Subscribe(handler)
}

// Publish queues event for every interested subscriber. A zero Timestamp is
// set to now. Events published after Close are dropped silently.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped: subscriber queue full",
				"subscriber", sub.id, "type", event.Type, "entity_id", event.EntityID)
		}
	}
}

// Dropped counts events lost to full subscriber queues.
func (b *InMemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits for subscribers to drain their queues.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.queue)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	b.running.Wait()
}

func (b *InMemoryBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.queue)
		delete(b.subs, id)
	}
}
