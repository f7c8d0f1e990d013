// Package events provides the relay's structured event journal. Events
// capture domain configuration changes, message lifecycle transitions and
// maintenance sweeps; they feed the live websocket stream and the dispatch
// of newly pending messages to relayers.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

// EventType classifies the kind of relay event.
type EventType string

const (
	EventDomainRegistered EventType = "domain.registered"
	EventDomainUpdated    EventType = "domain.updated"

	EventMessageCreated   EventType = "message.created"
	EventMessageConfirmed EventType = "message.confirmed"
	EventMessageFailed    EventType = "message.failed"
	EventMessageRetried   EventType = "message.retried"
	EventBatchCreated     EventType = "message.batch_created"

	EventProfileUpdated   EventType = "compression.profile_updated"
	EventOptimizerUpdated EventType = "optimizer.params_updated"

	EventRetentionCompacted EventType = "retention.compacted"
	EventDispatchFailed     EventType = "dispatch.failed"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one journal entry.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	DomainID  uint64 `json:"domain_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Status    string `json:"status,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	TraceID string `json:"trace_id,omitempty"`
}

// String returns the JSON form.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// EventHandler processes events as they occur.
type EventHandler func(Event)

// EventFilter decides whether an event should be processed.
type EventFilter func(Event) bool

// Journal records events and fans them out to subscribers.
type Journal interface {
	Log(event Event)
	LogWithContext(ctx context.Context, event Event)
	Subscribe(handler EventHandler) func()
	SubscribeFiltered(filter EventFilter, handler EventHandler) func()
	Recent(n int) []Event
	RecentByType(eventType EventType, n int) []Event
	RecentByMessage(messageID string, n int) []Event
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

var _ Journal = (*RingBuffer)(nil)

// NewRingBuffer creates a new event ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Log adds an event to the buffer and notifies handlers outside the lock.
func (rb *RingBuffer) Log(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// LogWithContext copies the request trace id onto the event before logging.
func (rb *RingBuffer) LogWithContext(ctx context.Context, event Event) {
	if id := logger.GetTraceID(ctx); id != "" && event.TraceID == "" {
		event.TraceID = id
	}
	rb.Log(event)
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler EventHandler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter and returns its
// unsubscribe function.
func (rb *RingBuffer) SubscribeFiltered(filter EventFilter, handler EventHandler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{id: id, filter: filter, handler: handler})
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

// Recent returns the most recent n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.collect(n, nil)
}

// RecentByType returns recent events of one type, newest first.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	return rb.collect(n, func(e Event) bool { return e.Type == eventType })
}

// RecentByMessage returns recent events for one message, newest first.
func (rb *RingBuffer) RecentByMessage(messageID string, n int) []Event {
	return rb.collect(n, func(e Event) bool { return e.MessageID == messageID })
}

func (rb *RingBuffer) collect(n int, keep EventFilter) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if keep == nil || keep(rb.events[idx]) {
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

// EventBuilder provides a fluent API for creating events.
type EventBuilder struct {
	event Event
}

// NewEvent creates a new EventBuilder.
func NewEvent(eventType EventType) *EventBuilder {
	return &EventBuilder{
		event: Event{
			Type:      eventType,
			Severity:  SeverityInfo,
			Timestamp: time.Now().UTC(),
		},
	}
}

func (b *EventBuilder) Component(name string) *EventBuilder {
	b.event.Component = name
	return b
}

func (b *EventBuilder) Domain(id uint64) *EventBuilder {
	b.event.DomainID = id
	return b
}

func (b *EventBuilder) MessageID(id string) *EventBuilder {
	b.event.MessageID = id
	return b
}

func (b *EventBuilder) Actor(id string) *EventBuilder {
	b.event.Actor = id
	return b
}

func (b *EventBuilder) Status(status string) *EventBuilder {
	b.event.Status = status
	return b
}

func (b *EventBuilder) Severity(severity Severity) *EventBuilder {
	b.event.Severity = severity
	return b
}

func (b *EventBuilder) Message(msg string) *EventBuilder {
	b.event.Message = msg
	return b
}

// ErrorFrom records err and raises the severity to error.
func (b *EventBuilder) ErrorFrom(err error) *EventBuilder {
	if err != nil {
		b.event.Error = err.Error()
		b.event.Severity = SeverityError
	}
	return b
}

func (b *EventBuilder) Metadata(key, value string) *EventBuilder {
	if b.event.Metadata == nil {
		b.event.Metadata = make(map[string]string)
	}
	b.event.Metadata[key] = value
	return b
}

// MetadataInt is Metadata for integer values.
func (b *EventBuilder) MetadataInt(key string, value int64) *EventBuilder {
	return b.Metadata(key, strconv.FormatInt(value, 10))
}

// Build returns the constructed event.
func (b *EventBuilder) Build() Event {
	return b.event
}

// LogToWithContext logs the event with request context.
func (b *EventBuilder) LogToWithContext(ctx context.Context, journal Journal) {
	if journal == nil {
		return
	}
	journal.LogWithContext(ctx, b.Build())
}

// NoOpJournal discards all events.
type NoOpJournal struct{}

func (NoOpJournal) Log(Event)                                          {}
func (NoOpJournal) LogWithContext(context.Context, Event)              {}
func (NoOpJournal) Subscribe(EventHandler) func()                      { return func() {} }
func (NoOpJournal) SubscribeFiltered(EventFilter, EventHandler) func() { return func() {} }
func (NoOpJournal) Recent(int) []Event                                 { return nil }
func (NoOpJournal) RecentByType(EventType, int) []Event                { return nil }
func (NoOpJournal) RecentByMessage(string, int) []Event                { return nil }
