package session

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// EventType names a kind of session event.
type EventType string

// Event types
const (
	EventConnectivity EventType = "connectivity"
	EventState        EventType = "state"
	EventNotice       EventType = "notice"
	EventCommand      EventType = "command"
	EventPattern      EventType = "pattern"
	EventPolling      EventType = "polling"
)

// Event is published on the bus after the session state it describes has
// been committed.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	types   []EventType // empty = every type
	handler EventHandler
}

// EventBus delivers events synchronously, in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On registers a handler for the given event types.
// Returns an unsubscribe function.
func (eb *EventBus) On(handler EventHandler, types ...EventType) func() {
	if len(types) == 0 {
		return func() {}
	}
	return eb.subscribe(handler, types)
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe(handler, nil)
}

func (eb *EventBus) subscribe(handler EventHandler, types []EventType) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, subscription{id: id, types: slices.Clone(types), handler: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
	}
}

// Emit stamps the event if needed and calls every matching handler.
// A panicking handler is recovered and logged.
func (eb *EventBus) Emit(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.subs))
	for _, s := range eb.subs {
		if len(s.types) == 0 || slices.Contains(s.types, event.Type) {
			handlers = append(handlers, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
