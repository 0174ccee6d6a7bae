package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventIssueChanged is published once per test item whose issue type
	// was set by auto-analysis.
	EventIssueChanged EventType = "issue_changed"
	// EventPatternMatched is published once per (template, item) match.
	EventPatternMatched EventType = "pattern_matched"
	// EventAnalysisCompleted is published when an analysis run ends normally.
	EventAnalysisCompleted EventType = "analysis_completed"
	// EventAnalysisFailed is published when an analysis run ends with an error.
	EventAnalysisFailed EventType = "analysis_failed"
)

// AllTypes lists every event type the engine publishes.
var AllTypes = []EventType{
	EventIssueChanged,
	EventPatternMatched,
	EventAnalysisCompleted,
	EventAnalysisFailed,
}

// Event represents a system event.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	LaunchID  int64                  `json:"launch_id,omitempty"`
	ProjectID int64                  `json:"project_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Publisher is the publishing side of the bus.
type Publisher interface {
	Publish(e Event)
}

// Bus is a non-blocking event bus. Events are delivered asynchronously via
// one buffered channel per subscriber; when a subscriber's channel is full
// the event is dropped for that subscriber and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	dropped     uint64
	onPanic     func(EventType, interface{})
	closed      bool
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// SetPanicHandler installs a hook called when a subscriber panics.
func (b *Bus) SetPanicHandler(fn func(EventType, interface{})) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPanic = fn
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			b.deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every type in AllTypes.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllTypes))
	for _, t := range AllTypes {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.RLock()
			hook := b.onPanic
			b.mu.RUnlock()
			if hook != nil {
				hook(event.Type, r)
			}
		}
	}()
	fn(event)
}

// Publish stamps the event with an id and timestamp when missing and sends
// it to all subscribers of its type without blocking.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many deliveries were dropped on full buffers.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
