package core

import "sync"

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventConnectionStateChanged EventType = iota
	EventNetworkChanged
	EventStatsUpdated
)

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// ConnectionStatePayload is the payload for EventConnectionStateChanged.
// This is the state stream consumed by the UI collaborator.
type ConnectionStatePayload struct {
	Old    ConnectionState
	Status ConnectionStatus
}

// StatsPayload is the payload for EventStatsUpdated: cumulative traffic
// counters for the active connection.
type StatsPayload struct {
	BytesTx int64
	BytesRx int64
	SpeedTx int64 // bytes/sec
	SpeedRx int64 // bytes/sec
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
func (eb *EventBus) PublishAsync(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		go h(e)
	}
}
