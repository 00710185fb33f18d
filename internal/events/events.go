// Package events provides structured event logging for the raffle engine.
// Events capture significant occurrences such as entries joining the pool,
// settlement requests leaving for the randomness gateway and winners being
// paid, and they feed the operator API, the Redis relay and the tests.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies the kind of engine event.
type EventType string

const (
	// Raffle events mirror the notifications a deployed raffle contract
	// emits on chain.
	EventRaffleEntered       EventType = "raffle.entered"
	EventSettlementRequested EventType = "raffle.settlement_requested"
	EventWinnerSelected      EventType = "raffle.winner_selected"

	// Randomness events trace the request/fulfillment round trip.
	EventRandomnessRequested EventType = "randomness.requested"
	EventRandomnessFulfilled EventType = "randomness.fulfilled"

	// Service lifecycle events
	EventServiceStarted EventType = "service.started"
	EventServiceStopped EventType = "service.stopped"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event represents a structured engine event.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	// Module names the emitting component: raffle, randomness, keeper, relay.
	Module string `json:"module,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration_ns,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// RequestID correlates raffle events with the randomness request that
	// produced them.
	RequestID string `json:"request_id,omitempty"`
}

// String returns the JSON encoding of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// EventHandler processes events as they occur.
type EventHandler func(Event)

// EventFilter decides whether an event should be processed.
type EventFilter func(Event) bool

// Sink accepts events for recording. The state machine emits through a Sink
// so that staged and committed recording share one call site.
type Sink interface {
	Log(event Event)
}

// EventLogger is the full event log interface: a Sink that also supports
// subscription and retrieval.
type EventLogger interface {
	Sink

	// Subscribe registers a handler for all events. The returned function
	// removes the subscription.
	Subscribe(handler EventHandler) func()

	// SubscribeFiltered registers a handler that only sees events the
	// filter accepts.
	SubscribeFiltered(filter EventFilter, handler EventHandler) func()

	// Recent returns the most recent n events, newest first.
	Recent(n int) []Event

	// RecentByType returns the most recent n events of the given type.
	RecentByType(eventType EventType, n int) []Event

	// RecentByModule returns the most recent n events from the given module.
	RecentByModule(module string, n int) []Event
}

// RingBuffer is a thread-safe circular buffer for events.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  EventFilter
	handler EventHandler
}

// NewRingBuffer creates an event buffer holding at most size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Log adds an event to the buffer and notifies subscribers.
func (rb *RingBuffer) Log(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = generateEventID()
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// Notify handlers outside the lock so a slow subscriber cannot block
	// the emitting operation.
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler EventHandler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter.
func (rb *RingBuffer) SubscribeFiltered(filter EventFilter, handler EventHandler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{
		id:      id,
		filter:  filter,
		handler: handler,
	})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent n events in reverse chronological order.
func (rb *RingBuffer) Recent(n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		result[i] = rb.events[idx]
	}
	return result
}

// RecentByType returns the most recent n events of the given type.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	return rb.recentMatching(n, func(e Event) bool { return e.Type == eventType })
}

// RecentByModule returns the most recent n events from the given module.
func (rb *RingBuffer) RecentByModule(module string, n int) []Event {
	return rb.recentMatching(n, func(e Event) bool { return e.Module == module })
}

func (rb *RingBuffer) recentMatching(n int, match func(Event) bool) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if match(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of events in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear removes all events from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events = make([]Event, rb.size)
	rb.head = 0
	rb.count = 0
}

func generateEventID() string {
	return time.Now().UTC().Format("20060102150405.000000000")
}

// NoOpLogger is an event logger that discards all events.
type NoOpLogger struct{}

func (NoOpLogger) Log(Event)                                          {}
func (NoOpLogger) Subscribe(EventHandler) func()                      { return func() {} }
func (NoOpLogger) SubscribeFiltered(EventFilter, EventHandler) func() { return func() {} }
func (NoOpLogger) Recent(int) []Event                                 { return nil }
func (NoOpLogger) RecentByType(EventType, int) []Event                { return nil }
func (NoOpLogger) RecentByModule(string, int) []Event                 { return nil }
